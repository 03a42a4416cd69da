package status

import (
	"fmt"
	"strings"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/volume"
)

// TransitionToScanning starts a scan. Any settled phase may be rescanned.
func TransitionToScanning(ds *v1alpha1.DiskSet) error {
	if ds.GetPhase() == v1alpha1.DiskSetPhaseScanning {
		return fmt.Errorf("cannot transition to Scanning from phase %s", ds.GetPhase())
	}

	ds.SetPhase(v1alpha1.DiskSetPhaseScanning)
	SetCondition(ds, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, "Scanning", "Scan in progress")
	return nil
}

// TransitionToScanned completes a scan that found no problems.
func TransitionToScanned(ds *v1alpha1.DiskSet) error {
	if ds.GetPhase() != v1alpha1.DiskSetPhaseScanning {
		return fmt.Errorf("cannot transition to Scanned from phase %s", ds.GetPhase())
	}

	ds.SetPhase(v1alpha1.DiskSetPhaseScanned)
	SetCondition(ds, v1alpha1.ConditionReady, v1alpha1.ConditionTrue, "Scanned", "All volumes available")
	ds.Status.LastScanTime = v1alpha1.Now()
	ds.UpdateObservedGeneration()
	return nil
}

// TransitionToDegraded completes a scan that recorded problems. The volumes
// that could be assembled stay usable.
func TransitionToDegraded(ds *v1alpha1.DiskSet, reason, message string) error {
	if ds.GetPhase() != v1alpha1.DiskSetPhaseScanning {
		return fmt.Errorf("cannot transition to Degraded from phase %s", ds.GetPhase())
	}

	ds.SetPhase(v1alpha1.DiskSetPhaseDegraded)
	SetCondition(ds, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, reason, message)
	ds.Status.LastScanTime = v1alpha1.Now()
	ds.UpdateObservedGeneration()
	return nil
}

// TransitionToFailed fails the set from any phase.
func TransitionToFailed(ds *v1alpha1.DiskSet, reason, message string) {
	ds.SetPhase(v1alpha1.DiskSetPhaseFailed)
	SetCondition(ds, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, reason, message)
}

// IsTerminal reports whether a scan has settled in phase.
func IsTerminal(phase v1alpha1.DiskSetPhase) bool {
	switch phase {
	case v1alpha1.DiskSetPhaseScanned, v1alpha1.DiskSetPhaseDegraded, v1alpha1.DiskSetPhaseFailed:
		return true
	}
	return false
}

// IsUsable reports whether volumes of a set in phase can be opened.
func IsUsable(phase v1alpha1.DiskSetPhase) bool {
	return phase == v1alpha1.DiskSetPhaseScanned || phase == v1alpha1.DiskSetPhaseDegraded
}

// Result is what a scan of a DiskSet found.
type Result struct {
	Disks      []v1alpha1.DiskStatus
	Volumes    []*volume.LogicalVolume
	Conditions []volume.Condition
}

// ApplyScan records r in the status and completes the scan: Scanned when
// every volume is healthy and nothing was recorded, Degraded otherwise.
func ApplyScan(ds *v1alpha1.DiskSet, r Result) error {
	ds.Status.Disks = r.Disks
	ds.Status.Volumes = make([]v1alpha1.VolumeStatus, 0, len(r.Volumes))
	var problems []string
	reason := ""
	for _, lv := range r.Volumes {
		ds.Status.Volumes = append(ds.Status.Volumes, Summarize(lv))
		if lv.Health != volume.Healthy {
			problems = append(problems, fmt.Sprintf("%s: %s", lv.ID, lv.Health))
			if reason == "" {
				reason = "VolumeUnhealthy"
			}
		}
	}
	for _, c := range r.Conditions {
		problems = append(problems, fmt.Sprintf("%s: %s", c.Subject, c.Message))
		if reason == "" {
			reason = c.Reason
		}
	}
	MarkDisksOpened(ds)

	if len(problems) == 0 {
		SetCondition(ds, v1alpha1.ConditionVolumesHealthy, v1alpha1.ConditionTrue, "VolumesHealthy",
			fmt.Sprintf("%d volumes available", len(r.Volumes)))
		return TransitionToScanned(ds)
	}

	message := strings.Join(problems, "; ")
	SetCondition(ds, v1alpha1.ConditionVolumesHealthy, v1alpha1.ConditionFalse, reason, message)
	return TransitionToDegraded(ds, reason, fmt.Sprintf("%d problems found during scan", len(problems)))
}

// Summarize converts a logical volume into its status summary.
func Summarize(lv *volume.LogicalVolume) v1alpha1.VolumeStatus {
	return v1alpha1.VolumeStatus{
		ID:     lv.ID,
		Name:   lv.Name,
		Group:  lv.GroupID,
		Kind:   string(lv.Kind),
		Length: lv.Length,
		Health: lv.Health.String(),
	}
}
