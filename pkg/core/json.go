package core

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// JSONEncode encodes a value to JSON bytes using Sonic (fail-fast).
// Sonic is used over the standard library for its JIT/SIMD encode path;
// the dispatcher serializes one envelope per task on transports that
// leave the process.
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &Error{Code: "INVALID_INPUT", Message: "cannot encode nil value"}
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}

	return data, nil
}

// JSONDecode decodes JSON bytes into v (fail-fast).
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode empty data"}
	}
	if v == nil {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode into nil value"}
	}

	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}
