package caches

import (
	"bytes"
	"encoding/gob"
)

// GobEncode serializes a cache item for backends that store it as an opaque blob.
func GobEncode(v any) ([]byte, error) {
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(v); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// GobDecode is the inverse of GobEncode.
func GobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
