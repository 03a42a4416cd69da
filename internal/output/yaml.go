package output

import (
	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats results as YAML.
type YAMLFormatter struct {
	encoded
}

// NewYAMLFormatter returns a YAML formatter.
func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{encoded{format: FormatYAML, marshal: yaml.Marshal}}
}
