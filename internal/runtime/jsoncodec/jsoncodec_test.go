package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ID     int    `json:"id"`
	Stream string `json:"stream"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Stream: "cam-1"}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"stream":"cam-1"}`, string(data))

	var out testPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(indented), "\n  \"id\""))
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Stream: "cam-2"}

	require.NoError(t, Encode(buf, payload))
	assert.Contains(t, buf.String(), "\n  \"stream\"")

	var decoded testPayload
	require.NoError(t, Decode(buf, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.False(t, Valid([]byte(`{"a":`)))
}
