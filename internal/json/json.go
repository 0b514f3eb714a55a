// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json centralizes this module's JSON codec so the hot paths
// (message encode/decode, SSE frame bodies) all go through the same
// implementation.
package json

import (
	"fmt"

	segmentjson "github.com/segmentio/encoding/json"
)

// Marshal delegates to segmentio/encoding/json, which avoids the
// reflection overhead of encoding/json on the request/response hot path.
func Marshal(v any) ([]byte, error) {
	return segmentjson.Marshal(v)
}

// Unmarshal delegates to segmentio/encoding/json, matching object keys to
// struct fields case-sensitively (unlike encoding/json).
func Unmarshal(data []byte, v any) error {
	rest, err := segmentjson.Parse(data, v, segmentjson.DontMatchCaseInsensitiveStructFields)
	if err == nil && len(rest) != 0 {
		err = fmt.Errorf("json: invalid character %q after top-level value", rest[0])
	}
	return err
}
