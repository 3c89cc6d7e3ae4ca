// Package codec turns changes and snapshots into bytes for storage and into
// base64 strings for JSON envelopes.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v as msgpack with map keys sorted, so equal values always
// produce equal bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("codec: unmarshal: empty input: %w", apperr.ErrInvalidInput)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %v: %w", err, apperr.ErrInvalidInput)
	}
	return nil
}

// EncodeChanges base64-encodes each change for a JSON payload.
func EncodeChanges(changes [][]byte) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = base64.StdEncoding.EncodeToString(c)
	}
	return out
}

// DecodeChanges reverses EncodeChanges.
func DecodeChanges(encoded []string) ([][]byte, error) {
	out := make([][]byte, len(encoded))
	for i, s := range encoded {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("codec: change %d: %v: %w", i, err, apperr.ErrInvalidInput)
		}
		out[i] = raw
	}
	return out, nil
}

// EncodeState base64-encodes a document snapshot.
func EncodeState(state []byte) string {
	return base64.StdEncoding.EncodeToString(state)
}

// DecodeState reverses EncodeState.
func DecodeState(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("codec: state: %v: %w", err, apperr.ErrInvalidInput)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("codec: state: empty: %w", apperr.ErrInvalidInput)
	}
	return raw, nil
}
