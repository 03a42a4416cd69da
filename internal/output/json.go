package output

import (
	"encoding/json"
)

// JSONFormatter formats results as indented JSON.
type JSONFormatter struct {
	encoded
}

// NewJSONFormatter returns a JSON formatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{encoded{format: FormatJSON, marshal: marshalJSON}}
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
