package codec

import (
	"errors"
	"testing"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsMapKeys(t *testing.T) {
	a := map[string]int{}
	b := map[string]int{}
	keys := []string{"q", "b", "z", "a", "m"}
	for i, k := range keys {
		a[k] = i
	}
	for i := len(keys) - 1; i >= 0; i-- {
		b[keys[i]] = i
	}
	encA, err := Marshal(a)
	require.NoError(t, err)
	encB, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, encA, encB)

	var back map[string]int
	require.NoError(t, Unmarshal(encA, &back))
	assert.Equal(t, a, back)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var v struct{ A string }
	err := Unmarshal(nil, &v)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
	err = Unmarshal([]byte{0xc1}, &v)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestChangesWireEncoding(t *testing.T) {
	in := [][]byte{{0x00, 0xff}, []byte("second")}
	out, err := DecodeChanges(EncodeChanges(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeChanges([]string{"%%%"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestStateWireEncoding(t *testing.T) {
	raw, err := DecodeState(EncodeState([]byte("snapshot")))
	require.NoError(t, err)
	assert.Equal(t, "snapshot", string(raw))

	_, err = DecodeState("")
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}
