package partition

import (
	"fmt"

	"github.com/google/uuid"
)

// MBR partition type bytes.
const (
	TypeEmpty         byte = 0x00
	TypeFAT12         byte = 0x01
	TypeFAT16Small    byte = 0x04
	TypeExtended      byte = 0x05
	TypeFAT16         byte = 0x06
	TypeNTFS          byte = 0x07
	TypeFAT32         byte = 0x0B
	TypeFAT32LBA      byte = 0x0C
	TypeFAT16LBA      byte = 0x0E
	TypeExtendedLBA   byte = 0x0F
	TypeWindowsLDM    byte = 0x42
	TypeLinuxSwap     byte = 0x82
	TypeLinux         byte = 0x83
	TypeLinuxExtended byte = 0x85
	TypeLinuxLVM      byte = 0x8E
	TypeGPTProtective byte = 0xEE
	TypeEFISystem     byte = 0xEF
	TypeLinuxRAID     byte = 0xFD
)

var mbrTypeNames = map[byte]string{
	TypeFAT12:         "FAT12",
	TypeFAT16Small:    "FAT16 <32M",
	TypeExtended:      "Extended",
	TypeFAT16:         "FAT16",
	TypeNTFS:          "NTFS/exFAT",
	TypeFAT32:         "FAT32",
	TypeFAT32LBA:      "FAT32 (LBA)",
	TypeFAT16LBA:      "FAT16 (LBA)",
	TypeExtendedLBA:   "Extended (LBA)",
	TypeWindowsLDM:    "Windows Dynamic Volume",
	TypeLinuxSwap:     "Linux swap",
	TypeLinux:         "Linux",
	TypeLinuxExtended: "Linux extended",
	TypeLinuxLVM:      "Linux LVM",
	TypeGPTProtective: "GPT protective",
	TypeEFISystem:     "EFI System",
	TypeLinuxRAID:     "Linux RAID",
}

// MBRTypeName returns a friendly name for an MBR type byte.
func MBRTypeName(t byte) string {
	if name, ok := mbrTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02X)", t)
}

// Well-known GPT partition type GUIDs.
var (
	GUIDEFISystem          = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	GUIDBIOSBoot           = uuid.MustParse("21686148-6449-6E6F-744E-656564454649")
	GUIDMicrosoftReserved  = uuid.MustParse("E3C9E316-0B5C-4DB8-817D-F92DF00215AE")
	GUIDMicrosoftBasicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	GUIDWindowsLDMMetadata = uuid.MustParse("5808C8AA-7E8F-42E0-85D2-E1E90434CFB3")
	GUIDWindowsLDMData     = uuid.MustParse("AF9B60A0-1431-4F62-BC68-3311714A69AD")
	GUIDLinuxFilesystem    = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	GUIDLinuxSwap          = uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F")
	GUIDLinuxLVM           = uuid.MustParse("E6D6D379-F507-44C2-A23C-238F2A3DF928")
	GUIDLinuxRAID          = uuid.MustParse("A19D880F-05FC-4D3B-A006-743F0F84911E")
)

var gptTypeNames = map[uuid.UUID]string{
	GUIDEFISystem:          "EFI System",
	GUIDBIOSBoot:           "BIOS boot",
	GUIDMicrosoftReserved:  "Microsoft reserved",
	GUIDMicrosoftBasicData: "Microsoft basic data",
	GUIDWindowsLDMMetadata: "Windows LDM metadata",
	GUIDWindowsLDMData:     "Windows LDM data",
	GUIDLinuxFilesystem:    "Linux filesystem",
	GUIDLinuxSwap:          "Linux swap",
	GUIDLinuxLVM:           "Linux LVM",
	GUIDLinuxRAID:          "Linux RAID",
}

// GPTTypeName returns a friendly name for a GPT type GUID.
func GPTTypeName(t uuid.UUID) string {
	if name, ok := gptTypeNames[t]; ok {
		return name
	}
	return "Unknown (" + t.String() + ")"
}
