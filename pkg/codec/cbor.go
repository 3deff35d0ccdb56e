package codec

import "github.com/fxamacker/cbor/v2"

// cborEnc is built once; CoreDetEncOptions cannot fail to compile.
var cborEnc, _ = cbor.CoreDetEncOptions().EncMode()

// CBOR is the compact binary reference codec. Core deterministic
// encoding keeps payloads byte-stable for a given message.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

func (CBOR) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
