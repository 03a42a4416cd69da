// Package diskerr defines the error taxonomy shared by the storage packages.
//
// Format validation fails fast with enough context to diagnose the problem:
// the format name, the byte offset of the offending structure, the field and
// the expected versus actual value. Callers match with errors.As:
//
//	var corrupt *diskerr.CorruptFormatError
//	if errors.As(err, &corrupt) {
//	    log.Printf("bad %s at offset %d", corrupt.Format, corrupt.Offset)
//	}
//
// Errors from the backing medium are never converted; they are wrapped with
// %w and remain reachable through errors.Is/errors.As.
package diskerr

import (
	"errors"
	"fmt"
)

// ErrNotPartitioned reports a disk that carries neither a valid MBR nor a GPT
// header. Callers may treat the disk as one whole-disk volume.
var ErrNotPartitioned = errors.New("disk is not partitioned")

// ConfigurationError reports invalid caller-supplied parameters, such as
// overlapping or out-of-range builder extents.
type ConfigurationError struct {
	Op  string
	Msg string
}

func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return "invalid configuration: " + e.Msg
	}
	return fmt.Sprintf("%s: invalid configuration: %s", e.Op, e.Msg)
}

// Configf returns a ConfigurationError for op with a formatted message.
func Configf(op, format string, args ...any) error {
	return &ConfigurationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// CorruptFormatError reports bad magic, a checksum mismatch, or an
// inconsistent field in an on-disk structure.
type CorruptFormatError struct {
	Format   string
	Offset   int64
	Field    string
	Expected string
	Actual   string
	Err      error
}

func (e *CorruptFormatError) Error() string {
	msg := fmt.Sprintf("corrupt %s at offset %d: %s", e.Format, e.Offset, e.Field)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptFormatError) Unwrap() error {
	return e.Err
}

// Corrupt returns a CorruptFormatError comparing an expected and actual value.
func Corrupt(format string, offset int64, field string, expected, actual any) error {
	return &CorruptFormatError{
		Format:   format,
		Offset:   offset,
		Field:    field,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	}
}

// Corruptf returns a CorruptFormatError with a free-form description.
func Corruptf(format string, offset int64, msg string, args ...any) error {
	return &CorruptFormatError{
		Format: format,
		Offset: offset,
		Field:  fmt.Sprintf(msg, args...),
	}
}

// CorruptChainError reports a differencing chain with a cycle, a broken
// parent link, or a walk that exceeds the depth limit.
type CorruptChainError struct {
	Layer string
	Msg   string
}

func (e *CorruptChainError) Error() string {
	if e.Layer == "" {
		return "corrupt differencing chain: " + e.Msg
	}
	return fmt.Sprintf("corrupt differencing chain at %s: %s", e.Layer, e.Msg)
}

// Chainf returns a CorruptChainError for the named layer.
func Chainf(layer, format string, args ...any) error {
	return &CorruptChainError{Layer: layer, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedFormatError reports a recognized format variant that is not
// handled, for example a qcow2 image or a raid segment.
type UnsupportedFormatError struct {
	Format  string
	Variant string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Variant == "" {
		return fmt.Sprintf("unsupported format: %s", e.Format)
	}
	return fmt.Sprintf("unsupported %s variant: %s", e.Format, e.Variant)
}

// Unsupported returns an UnsupportedFormatError.
func Unsupported(format, variant string) error {
	return &UnsupportedFormatError{Format: format, Variant: variant}
}

// IsCorrupt reports whether err is, or wraps, a CorruptFormatError or a
// CorruptChainError.
func IsCorrupt(err error) bool {
	var cf *CorruptFormatError
	var cc *CorruptChainError
	return errors.As(err, &cf) || errors.As(err, &cc)
}

// IsUnsupported reports whether err is, or wraps, an UnsupportedFormatError.
func IsUnsupported(err error) bool {
	var u *UnsupportedFormatError
	return errors.As(err, &u)
}
