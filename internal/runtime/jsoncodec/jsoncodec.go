// Package jsoncodec is the single JSON entry point for sessionflow. Payload
// decoding and side-channel record encoding both go through sonic with the
// standard-library compatible configuration.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalToString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalString decodes a JSON document held in a string, as found in
// envelopes that embed a serialized event.
func UnmarshalString(data string, v any) error {
	return defaultConfig.UnmarshalFromString(data, v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}
