package output

import (
	"github.com/fxamacker/cbor/v2"
)

// cborMode encodes with Core Deterministic Encoding (RFC 8949 4.2), so equal
// results produce identical bytes. Types implementing encoding.TextMarshaler,
// such as volume health, encode as text strings.
var cborMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	cborMode, err = opts.EncMode()
	if err != nil {
		panic("output: CBOR encoder initialization failed: " + err.Error())
	}
}

// CBORFormatter formats results as binary CBOR. The returned string holds
// raw bytes.
type CBORFormatter struct {
	encoded
}

// NewCBORFormatter returns a CBOR formatter.
func NewCBORFormatter() *CBORFormatter {
	return &CBORFormatter{encoded{format: FormatCBOR, marshal: cborMode.Marshal}}
}
