// Package codec encodes cache entries for byte-oriented storage tiers.
package codec

import (
	"fmt"
	"strings"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Kind names a supported envelope encoding
type Kind string

const (
	KindMsgpack Kind = "msgpack"
	KindCBOR    Kind = "cbor"
)

// Options selects an encoding and whether its output is s2-compressed
type Options struct {
	Kind     Kind `yaml:"kind" json:"kind"`
	Compress bool `yaml:"compress" json:"compress"`
	// MinCompressSize skips compression for payloads smaller than this many bytes
	MinCompressSize int `yaml:"min_compress_size" json:"min_compress_size"`
}

// New builds the codec described by opts
func New[V any](opts Options) (Codec[V], error) {
	var base Codec[V]
	switch Kind(strings.ToLower(string(opts.Kind))) {
	case "", KindMsgpack:
		base = Msgpack[V]{}
	case KindCBOR:
		c, err := NewCBOR[V](false)
		if err != nil {
			return nil, err
		}
		base = c
	default:
		return nil, fmt.Errorf("unknown codec: %s", opts.Kind)
	}

	if opts.Compress {
		return NewCompressed[V](base, opts.MinCompressSize), nil
	}
	return base, nil
}
