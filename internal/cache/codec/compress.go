package codec

import (
	"errors"

	"github.com/klauspost/compress/s2"
)

// frame markers prefixed to every payload
const (
	frameRaw byte = 0x00
	frameS2  byte = 0x01
)

var errShortFrame = errors.New("codec: empty frame")

// Compressed wraps a codec and s2-compresses payloads at or above a size threshold
type Compressed[V any] struct {
	inner   Codec[V]
	minSize int
}

// NewCompressed wraps inner; payloads shorter than minSize are stored raw
func NewCompressed[V any](inner Codec[V], minSize int) Compressed[V] {
	if minSize < 0 {
		minSize = 0
	}
	return Compressed[V]{inner: inner, minSize: minSize}
}

func (c Compressed[V]) Encode(v V) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(raw) < c.minSize {
		return append([]byte{frameRaw}, raw...), nil
	}
	enc := s2.Encode(nil, raw)
	return append([]byte{frameS2}, enc...), nil
}

func (c Compressed[V]) Decode(b []byte) (V, error) {
	var zero V
	if len(b) == 0 {
		return zero, errShortFrame
	}
	switch b[0] {
	case frameRaw:
		return c.inner.Decode(b[1:])
	case frameS2:
		raw, err := s2.Decode(nil, b[1:])
		if err != nil {
			return zero, err
		}
		return c.inner.Decode(raw)
	default:
		return zero, errors.New("codec: unknown frame marker")
	}
}
