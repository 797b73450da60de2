// Package codec converts stored values to and from bytes.
// The cache frames whatever a codec produces; codecs never see the framing.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
