// Package status manages DiskSet status: conditions, phase transitions and
// the summaries recorded after a scan.
package status

import (
	"slices"

	"github.com/jbweber/spindle/api/v1alpha1"
)

// SetCondition adds or updates the condition of the given type. The
// LastTransitionTime only moves when the status changes.
func SetCondition(ds *v1alpha1.DiskSet, condType string, status v1alpha1.ConditionStatus, reason, message string) {
	now := v1alpha1.Now()

	if existing := GetCondition(ds, condType); existing != nil {
		if existing.Status != status {
			existing.LastTransitionTime = now
		}
		existing.Status = status
		existing.Reason = reason
		existing.Message = message
		existing.ObservedGeneration = ds.Generation
		return
	}

	ds.Status.Conditions = append(ds.Status.Conditions, v1alpha1.Condition{
		Type:               condType,
		Status:             status,
		ObservedGeneration: ds.Generation,
		LastTransitionTime: now,
		Reason:             reason,
		Message:            message,
	})
}

// GetCondition returns the condition of the given type, or nil.
func GetCondition(ds *v1alpha1.DiskSet, condType string) *v1alpha1.Condition {
	for i := range ds.Status.Conditions {
		if ds.Status.Conditions[i].Type == condType {
			return &ds.Status.Conditions[i]
		}
	}
	return nil
}

// IsConditionTrue reports whether the condition exists with status True.
func IsConditionTrue(ds *v1alpha1.DiskSet, condType string) bool {
	cond := GetCondition(ds, condType)
	return cond != nil && cond.Status == v1alpha1.ConditionTrue
}

// IsConditionFalse reports whether the condition exists with status False.
func IsConditionFalse(ds *v1alpha1.DiskSet, condType string) bool {
	cond := GetCondition(ds, condType)
	return cond != nil && cond.Status == v1alpha1.ConditionFalse
}

// RemoveCondition removes the condition of the given type.
func RemoveCondition(ds *v1alpha1.DiskSet, condType string) {
	ds.Status.Conditions = slices.DeleteFunc(ds.Status.Conditions, func(c v1alpha1.Condition) bool {
		return c.Type == condType
	})
}

// MarkDisksOpened marks every disk of the set as opened.
func MarkDisksOpened(ds *v1alpha1.DiskSet) {
	SetCondition(ds, v1alpha1.ConditionDisksOpened, v1alpha1.ConditionTrue, "DisksOpened", "All disks opened")
}

// MarkDiskFailed records a disk that could not be opened and fails the set.
func MarkDiskFailed(ds *v1alpha1.DiskSet, name string, err error) {
	SetCondition(ds, v1alpha1.ConditionDisksOpened, v1alpha1.ConditionFalse, "DiskOpenFailed", name+": "+err.Error())
	TransitionToFailed(ds, "DiskOpenFailed", "disk "+name+" could not be opened")
}

