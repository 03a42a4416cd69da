// Package v1alpha1 contains the spindle.cofront.xyz/v1alpha1 API types.
//
// The types follow Kubernetes object conventions (apiVersion, kind,
// metadata, spec, status) so a DiskSet manifest reads like any other
// declarative resource, without depending on k8s.io/apimachinery.
package v1alpha1

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// TypeMeta identifies the kind and API version of an object.
type TypeMeta struct {
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
	APIVersion string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
}

// ObjectMeta is the metadata carried by every resource.
type ObjectMeta struct {
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`

	// CreationTimestamp and UID are set by NewDiskSet.
	CreationTimestamp Time   `json:"creationTimestamp,omitempty" yaml:"creationTimestamp,omitempty"`
	UID               string `json:"uid,omitempty" yaml:"uid,omitempty"`

	// Generation increments when the spec changes; status records the
	// generation it was computed from.
	Generation int64 `json:"generation,omitempty" yaml:"generation,omitempty"`
}

// Time serializes as an RFC3339 string, or null when zero.
type Time struct {
	time.Time `json:"-" yaml:"-"`
}

// Now returns the current time truncated to seconds, the precision Time
// survives a roundtrip with.
func Now() Time {
	return Time{Time: time.Now().UTC().Truncate(time.Second)}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if s := string(b); s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.parse(s)
}

func (t Time) MarshalYAML() (any, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.Format(time.RFC3339), nil
}

func (t *Time) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" || node.Value == "null" {
		t.Time = time.Time{}
		return nil
	}
	return t.parse(node.Value)
}

func (t Time) MarshalCBOR() ([]byte, error) {
	if t.IsZero() {
		return cbor.Marshal(nil)
	}
	return cbor.Marshal(t.Format(time.RFC3339))
}

func (t *Time) UnmarshalCBOR(b []byte) error {
	var s *string
	if err := cbor.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		t.Time = time.Time{}
		return nil
	}
	return t.parse(*s)
}

func (t *Time) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Condition is one observation about a resource, shaped like a Kubernetes
// status condition.
type Condition struct {
	// Type is a CamelCase name such as Ready or VolumesHealthy.
	Type   string          `json:"type" yaml:"type"`
	Status ConditionStatus `json:"status" yaml:"status"`

	ObservedGeneration int64 `json:"observedGeneration,omitempty" yaml:"observedGeneration,omitempty"`

	// LastTransitionTime changes only when Status changes.
	LastTransitionTime Time `json:"lastTransitionTime,omitempty" yaml:"lastTransitionTime,omitempty"`

	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// ConditionStatus is True, False or Unknown.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// DeepCopy returns a copy of in.
func (in *TypeMeta) DeepCopy() *TypeMeta {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

// DeepCopy returns a copy of in that shares no maps with it.
func (in *ObjectMeta) DeepCopy() *ObjectMeta {
	if in == nil {
		return nil
	}
	out := *in
	out.Labels = maps.Clone(in.Labels)
	out.Annotations = maps.Clone(in.Annotations)
	return &out
}

// DeepCopy returns a copy of in.
func (in *Condition) DeepCopy() *Condition {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
