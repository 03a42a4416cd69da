// Package loader reads and writes DiskSet manifests.
package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/cache"
)

// LoadFromFile loads a DiskSet from a YAML file in the
// spindle.cofront.xyz/v1alpha1 format.
func LoadFromFile(path string) (*v1alpha1.DiskSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads a DiskSet from YAML bytes, applies defaults and
// validates the spec.
func LoadFromYAML(data []byte) (*v1alpha1.DiskSet, error) {
	var ds v1alpha1.DiskSet
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if ds.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if ds.Kind == "" {
		return nil, fmt.Errorf("missing required field: kind")
	}

	expectedAPIVersion := v1alpha1.GroupName + "/" + v1alpha1.Version
	if ds.APIVersion != expectedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", ds.APIVersion, expectedAPIVersion)
	}
	if ds.Kind != v1alpha1.DiskSetKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", ds.Kind, v1alpha1.DiskSetKind)
	}

	applyDefaults(&ds)

	if err := validateSpec(&ds); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &ds, nil
}

// SaveToFile writes a DiskSet, status included, to a YAML file.
func SaveToFile(ds *v1alpha1.DiskSet, path string) error {
	v1alpha1.SetDefaultAPIVersion(ds)

	data, err := yaml.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to marshal DiskSet to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

// CacheSettings returns the block cache settings of a DiskSet, or nil when
// it asks for no cache. Unset fields take the cache defaults.
func CacheSettings(ds *v1alpha1.DiskSet) (*cache.Settings, error) {
	spec := ds.Spec.Cache
	if spec == nil {
		return nil, nil
	}

	s := cache.DefaultSettings()
	if spec.BlockSize != 0 {
		s.BlockSize = spec.BlockSize
	}
	if spec.Blocks != 0 {
		s.Blocks = spec.Blocks
	}
	if spec.LargeReadSize != 0 {
		s.LargeReadSize = spec.LargeReadSize
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func applyDefaults(ds *v1alpha1.DiskSet) {
	ds.Normalize()

	if ds.Status.Phase == "" {
		ds.Status.Phase = v1alpha1.DiskSetPhasePending
	}
	if ds.Generation == 0 {
		ds.Generation = 1
	}
}

func validateSpec(ds *v1alpha1.DiskSet) error {
	if ds.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	if len(ds.Spec.Disks) == 0 {
		return fmt.Errorf("spec.disks must list at least one disk")
	}

	namesSeen := make(map[string]bool)
	locatorsSeen := make(map[string]bool)
	for i, d := range ds.Spec.Disks {
		if d.Locator == "" {
			return fmt.Errorf("spec.disks[%d].locator is required", i)
		}
		if pool, vol, ok := v1alpha1.ParseLibvirtLocator(d.Locator); ok && (pool == "" || vol == "") {
			return fmt.Errorf("spec.disks[%d].locator %q must be libvirt://pool/volume", i, d.Locator)
		}
		if namesSeen[d.Name] {
			return fmt.Errorf("spec.disks[%d].name %q is duplicated", i, d.Name)
		}
		namesSeen[d.Name] = true
		if locatorsSeen[d.Locator] {
			return fmt.Errorf("spec.disks[%d].locator %q is duplicated", i, d.Locator)
		}
		locatorsSeen[d.Locator] = true
	}

	if ds.Spec.MaxChainDepth < 0 {
		return fmt.Errorf("spec.maxChainDepth must not be negative")
	}

	if _, err := CacheSettings(ds); err != nil {
		return fmt.Errorf("spec.cache: %w", err)
	}

	return nil
}
