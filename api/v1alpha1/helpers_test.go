package v1alpha1

import "testing"

func TestNewDiskSet(t *testing.T) {
	ds := NewDiskSet("Lab", "/images/base.vhd", "libvirt://default/data.vhd")

	if ds.APIVersion != "spindle.cofront.xyz/v1alpha1" {
		t.Errorf("APIVersion = %q, want %q", ds.APIVersion, "spindle.cofront.xyz/v1alpha1")
	}
	if ds.Kind != "DiskSet" {
		t.Errorf("Kind = %q, want %q", ds.Kind, "DiskSet")
	}
	if ds.Name != "lab" {
		t.Errorf("Name = %q, want %q", ds.Name, "lab")
	}
	if ds.UID == "" {
		t.Error("UID is empty")
	}
	if ds.Generation != 1 {
		t.Errorf("Generation = %d, want 1", ds.Generation)
	}
	if ds.CreationTimestamp.IsZero() {
		t.Error("CreationTimestamp is zero")
	}
	if ds.GetPhase() != DiskSetPhasePending {
		t.Errorf("GetPhase() = %q, want %q", ds.GetPhase(), DiskSetPhasePending)
	}
	if !ds.IsReadOnly() {
		t.Error("IsReadOnly() = false, want true by default")
	}

	wantNames := []string{"base.vhd", "data.vhd"}
	if len(ds.Spec.Disks) != len(wantNames) {
		t.Fatalf("len(Disks) = %d, want %d", len(ds.Spec.Disks), len(wantNames))
	}
	for i, want := range wantNames {
		if ds.Spec.Disks[i].Name != want {
			t.Errorf("Disks[%d].Name = %q, want %q", i, ds.Spec.Disks[i].Name, want)
		}
	}
}

func TestSetDefaultAPIVersion(t *testing.T) {
	tests := []struct {
		name        string
		in          TypeMeta
		wantVersion string
		wantKind    string
	}{
		{
			name:        "empty fields are filled",
			in:          TypeMeta{},
			wantVersion: "spindle.cofront.xyz/v1alpha1",
			wantKind:    "DiskSet",
		},
		{
			name:        "existing fields are kept",
			in:          TypeMeta{APIVersion: "other/v2", Kind: "Other"},
			wantVersion: "other/v2",
			wantKind:    "Other",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := &DiskSet{TypeMeta: tt.in}
			SetDefaultAPIVersion(ds)
			if ds.APIVersion != tt.wantVersion {
				t.Errorf("APIVersion = %q, want %q", ds.APIVersion, tt.wantVersion)
			}
			if ds.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", ds.Kind, tt.wantKind)
			}
		})
	}
}

func TestIsReadOnly(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name     string
		readOnly *bool
		want     bool
	}{
		{"unset defaults to true", nil, true},
		{"explicit true", &yes, true},
		{"explicit false", &no, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := &DiskSet{Spec: DiskSetSpec{ReadOnly: tt.readOnly}}
			if got := ds.IsReadOnly(); got != tt.want {
				t.Errorf("IsReadOnly() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdateObservedGeneration(t *testing.T) {
	ds := &DiskSet{ObjectMeta: ObjectMeta{Generation: 4}}
	ds.UpdateObservedGeneration()
	if ds.Status.ObservedGeneration != 4 {
		t.Errorf("ObservedGeneration = %d, want 4", ds.Status.ObservedGeneration)
	}
}

func TestNormalize(t *testing.T) {
	ds := &DiskSet{
		ObjectMeta: ObjectMeta{Name: "  LAB-Disks "},
		Spec: DiskSetSpec{Disks: []DiskSpec{
			{Locator: "  /var/lib/images/root.vhd "},
			{Name: " keep ", Locator: "libvirt://pool/vol"},
			{Locator: "libvirt://pool"},
		}},
	}
	ds.Normalize()

	if ds.Name != "lab-disks" {
		t.Errorf("Name = %q, want %q", ds.Name, "lab-disks")
	}
	want := []DiskSpec{
		{Name: "root.vhd", Locator: "/var/lib/images/root.vhd"},
		{Name: "keep", Locator: "libvirt://pool/vol"},
		{Name: "pool", Locator: "libvirt://pool"},
	}
	for i, w := range want {
		if ds.Spec.Disks[i] != w {
			t.Errorf("Disks[%d] = %+v, want %+v", i, ds.Spec.Disks[i], w)
		}
	}
}

func TestParseLibvirtLocator(t *testing.T) {
	tests := []struct {
		locator    string
		wantPool   string
		wantVolume string
		wantOK     bool
	}{
		{"libvirt://default/disk.vhd", "default", "disk.vhd", true},
		{"libvirt://default", "default", "", true},
		{"/images/disk.vhd", "", "", false},
		{"file://disk.vhd", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			pool, vol, ok := ParseLibvirtLocator(tt.locator)
			if pool != tt.wantPool || vol != tt.wantVolume || ok != tt.wantOK {
				t.Errorf("ParseLibvirtLocator(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.locator, pool, vol, ok, tt.wantPool, tt.wantVolume, tt.wantOK)
			}
		})
	}
}
