package sqljobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeStateData_RoundTrip(t *testing.T) {
	data := map[string]string{"SucceededAt": "2026-01-01", "Result": "42"}
	encoded, err := encodeStateData(data)
	require.NoError(t, err)

	decoded, err := decodeStateData(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestEncodeStateData_EmptyMapIsEmptyObject(t *testing.T) {
	encoded, err := encodeStateData(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", encoded)
}

func TestDecodeStateData_EmptyStringIsEmptyMap(t *testing.T) {
	decoded, err := decodeStateData("")
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
