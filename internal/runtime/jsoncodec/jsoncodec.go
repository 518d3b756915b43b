// Package jsoncodec is the JSON codec behind frame dumps, lease records and
// the framectl CLI output. It wraps sonic configured for encoding/json
// compatibility.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Encode writes v to w as indented JSON followed by a newline.
func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}
