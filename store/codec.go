package store

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/regenlab/regencache/types"
)

// payloadCodec transforms payload bytes on their way in and out of a
// backend. Rendered HTML compresses well, so persistent backends usually run
// with brotli enabled.
type payloadCodec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

func newPayloadCodec(compression string) (payloadCodec, error) {
	switch compression {
	case "", "none":
		return noopCodec{}, nil
	case "brotli":
		return brotliCodec{}, nil
	default:
		return nil, types.Errorf(types.ErrInvalidParameter, "unknown compression: %s", compression)
	}
}

type noopCodec struct{}

func (noopCodec) Encode(payload []byte) ([]byte, error) { return payload, nil }
func (noopCodec) Decode(stored []byte) ([]byte, error)  { return stored, nil }

type brotliCodec struct{}

func (brotliCodec) Encode(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)

	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (brotliCodec) Decode(stored []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(stored))
	return io.ReadAll(r)
}
