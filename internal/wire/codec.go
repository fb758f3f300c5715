package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype frames are negotiated under.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor dec mode: %v", err))
	}
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Marshal encodes any wire value with the relay's canonical CBOR options.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a wire value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
