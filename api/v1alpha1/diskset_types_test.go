package v1alpha1

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDiskSet_DeepCopy(t *testing.T) {
	var nilSet *DiskSet
	if nilSet.DeepCopy() != nil {
		t.Error("DeepCopy() of nil should return nil")
	}

	readOnly := false
	in := NewDiskSet("lab", "/images/a.vhd", "/images/b.vhd")
	in.Labels = map[string]string{"site": "lab"}
	in.Spec.ReadOnly = &readOnly
	in.Spec.Cache = &CacheSpec{BlockSize: 4096, Blocks: 64}
	in.Status.Conditions = []Condition{{Type: ConditionReady, Status: ConditionTrue}}
	in.Status.Disks = []DiskStatus{{Name: "a.vhd", ID: "DS00000001"}}
	in.Status.Volumes = []VolumeStatus{{ID: "VLV:VPD:DS00000001:1", Kind: "pass-through", Health: "Healthy"}}

	out := in.DeepCopy()
	out.Labels["site"] = "prod"
	out.Spec.Disks[0].Locator = "/elsewhere"
	*out.Spec.ReadOnly = true
	out.Spec.Cache.Blocks = 1
	out.Status.Conditions[0].Status = ConditionFalse
	out.Status.Disks[0].ID = "changed"
	out.Status.Volumes[0].Health = "Failed"

	if in.Labels["site"] != "lab" {
		t.Error("copy shares Labels with original")
	}
	if in.Spec.Disks[0].Locator != "/images/a.vhd" {
		t.Error("copy shares Spec.Disks with original")
	}
	if *in.Spec.ReadOnly {
		t.Error("copy shares Spec.ReadOnly with original")
	}
	if in.Spec.Cache.Blocks != 64 {
		t.Error("copy shares Spec.Cache with original")
	}
	if in.Status.Conditions[0].Status != ConditionTrue {
		t.Error("copy shares Status.Conditions with original")
	}
	if in.Status.Disks[0].ID != "DS00000001" {
		t.Error("copy shares Status.Disks with original")
	}
	if in.Status.Volumes[0].Health != "Healthy" {
		t.Error("copy shares Status.Volumes with original")
	}
}

func TestDiskSet_YAML(t *testing.T) {
	manifest := `apiVersion: spindle.cofront.xyz/v1alpha1
kind: DiskSet
metadata:
  name: lab
spec:
  readOnly: false
  maxChainDepth: 8
  cache:
    blockSize: 8192
    blocks: 256
  disks:
    - locator: /images/base.vhd
    - name: data
      locator: libvirt://default/data.vhd
`
	var ds DiskSet
	if err := yaml.Unmarshal([]byte(manifest), &ds); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if ds.APIVersion != "spindle.cofront.xyz/v1alpha1" || ds.Kind != DiskSetKind {
		t.Errorf("TypeMeta = %+v", ds.TypeMeta)
	}
	if ds.Name != "lab" {
		t.Errorf("Name = %q, want %q", ds.Name, "lab")
	}
	if ds.IsReadOnly() {
		t.Error("IsReadOnly() = true, want false")
	}
	if ds.Spec.MaxChainDepth != 8 {
		t.Errorf("MaxChainDepth = %d, want 8", ds.Spec.MaxChainDepth)
	}
	if ds.Spec.Cache == nil || ds.Spec.Cache.BlockSize != 8192 || ds.Spec.Cache.Blocks != 256 {
		t.Errorf("Cache = %+v", ds.Spec.Cache)
	}
	if len(ds.Spec.Disks) != 2 || ds.Spec.Disks[1].Name != "data" {
		t.Errorf("Disks = %+v", ds.Spec.Disks)
	}
}

func TestDiskSetPhase_Constants(t *testing.T) {
	tests := []struct {
		phase DiskSetPhase
		want  string
	}{
		{DiskSetPhasePending, "Pending"},
		{DiskSetPhaseScanning, "Scanning"},
		{DiskSetPhaseScanned, "Scanned"},
		{DiskSetPhaseDegraded, "Degraded"},
		{DiskSetPhaseFailed, "Failed"},
	}
	for _, tt := range tests {
		if string(tt.phase) != tt.want {
			t.Errorf("phase = %q, want %q", tt.phase, tt.want)
		}
	}
}
