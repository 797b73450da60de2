package codec

import "encoding/json"

// JSON is the most portable codec and the easiest to inspect in a raw store.
// Byte slices are base64 encoded, so bodies grow by a third.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
