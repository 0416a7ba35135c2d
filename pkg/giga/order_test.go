package giga

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapKeyOrder(t *testing.T) {
	// Hand-assembled so the declared order is fixed: {"b": 1, "a": {"x": true}, "c": [1, 2]}
	raw := []byte{
		0xA3,
		0x61, 'b', 0x01,
		0x61, 'a', 0xA1, 0x61, 'x', 0xF5,
		0x61, 'c', 0x82, 0x01, 0x02,
	}
	keys, err := MapKeyOrder(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, keys)
}

func TestMapKeyOrderSkipsValueKinds(t *testing.T) {
	// Values spanning every major type the firmware emits: ints, negatives,
	// byte strings, text, arrays, nested maps, floats, null.
	payload := map[string]interface{}{
		"i": uint64(1000),
		"n": int64(-42),
		"s": "text",
		"y": []byte{1, 2, 3},
		"a": []interface{}{uint64(1), "two", false},
		"m": map[string]interface{}{"triggered": true},
		"f": 3.25,
		"z": nil,
	}
	raw, err := cbor.Marshal(payload)
	require.NoError(t, err)

	keys, err := MapKeyOrder(raw)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i", "n", "s", "y", "a", "m", "f", "z"}, keys)
}

func TestMapKeyOrderEmptyAndNonMap(t *testing.T) {
	keys, err := MapKeyOrder([]byte{0xA0})
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = MapKeyOrder(nil)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = MapKeyOrder([]byte{0x82, 0x01, 0x02}) // array, not map
	assert.Error(t, err)
}

func TestMapKeyOrderTruncated(t *testing.T) {
	raw := []byte{0xA2, 0x61, 'b', 0x01, 0x61} // second key cut off
	_, err := MapKeyOrder(raw)
	assert.Error(t, err)
}
