package mqrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJsonMarshaler_Marshal(t *testing.T) {
	m := JsonMarshaler{}

	t.Run("RawBytes", func(t *testing.T) {
		input := []byte("hello world")
		output, err := m.Marshal(input)
		assert.NoError(t, err)
		assert.Equal(t, input, output, "Should be zero-copy for []byte")
	})

	t.Run("String", func(t *testing.T) {
		input := "hello world"
		output, err := m.Marshal(input)
		assert.NoError(t, err)
		assert.Equal(t, []byte(input), output)
	})

	t.Run("Struct", func(t *testing.T) {
		type data struct{ Name string }
		output, err := m.Marshal(data{Name: "test"})
		assert.NoError(t, err)
		assert.JSONEq(t, `{"Name":"test"}`, string(output))
	})
}

func TestJsonMarshaler_Unmarshal(t *testing.T) {
	m := JsonMarshaler{}

	t.Run("Struct", func(t *testing.T) {
		type data struct{ Name string }
		var output data
		err := m.Unmarshal([]byte(`{"Name":"test"}`), &output)
		assert.NoError(t, err)
		assert.Equal(t, "test", output.Name)
	})

	t.Run("RawBytes", func(t *testing.T) {
		var output []byte
		err := m.Unmarshal([]byte("not json"), &output)
		assert.NoError(t, err)
		assert.Equal(t, "not json", string(output))
	})

	t.Run("String", func(t *testing.T) {
		var output string
		err := m.Unmarshal([]byte("pong"), &output)
		assert.NoError(t, err)
		assert.Equal(t, "pong", output)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		var output map[string]any
		err := m.Unmarshal([]byte(`{invalid}`), &output)
		assert.Error(t, err)
	})
}

func TestJsonMarshaler_String(t *testing.T) {
	assert.Equal(t, "json", JsonMarshaler{}.String())
}
