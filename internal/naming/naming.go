// Package naming provides the identity strings of disks, physical volumes
// and logical volumes.
//
// Identities are stable across scans as long as the on-disk metadata they
// derive from does not change. Disks without a signature fall back to their
// position in the scan, which is only stable for a fixed disk order.
package naming

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUID formats a GUID the way identities embed it, in braces.
//
// Example: {0fc63daf-8483-4772-8e79-3d69d8477de4}
func GUID(id uuid.UUID) string {
	return "{" + id.String() + "}"
}

// DiskID returns the identity of a disk. A GPT disk GUID wins, then a
// non-zero MBR signature, then the disk's ordinal in the scan.
//
// Example: signature 0xCAFEF00D → DSCAFEF00D
func DiskID(signature uint32, gptDisk uuid.UUID, ordinal int) string {
	switch {
	case gptDisk != uuid.Nil:
		return "DG" + GUID(gptDisk)
	case signature != 0:
		return fmt.Sprintf("DS%08X", signature)
	default:
		return fmt.Sprintf("DO%d", ordinal)
	}
}

// PhysicalVolumeID returns the identity of a physical volume. GPT
// partitions are named by their unique GUID; anything else by disk and
// partition index, with index 0 for a whole-disk volume.
//
// Example: disk DS00000001, partition 2 → VPD:DS00000001:2
func PhysicalVolumeID(diskID string, index int, partition uuid.UUID) string {
	if partition != uuid.Nil {
		return "VPG" + GUID(partition)
	}
	return fmt.Sprintf("VPD:%s:%d", diskID, index)
}

// PassThroughVolumeID returns the identity of the logical volume that
// exposes a single physical volume unchanged.
func PassThroughVolumeID(pvID string) string {
	return "VLV:" + pvID
}

// GroupVolumeID returns the identity of a logical volume decoded from a
// volume group.
//
// Example: group "aB3d-...", volume "root" → VG{aB3d-...}:root
func GroupVolumeID(groupID, name string) string {
	return fmt.Sprintf("VG{%s}:%s", groupID, name)
}

// IsPassThrough reports whether id names a pass-through logical volume.
func IsPassThrough(id string) bool {
	return strings.HasPrefix(id, "VLV:")
}
