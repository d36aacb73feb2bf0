// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"strconv"
)

// Headers holds message headers. Values follow AMQP table conventions, so
// integers may arrive as any signed or unsigned width.
type Headers map[string]any

// Clone returns a shallow copy that is safe to modify.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Int returns the header as an int, 0 when missing or not numeric.
func (h Headers) Int(key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	case []byte:
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// String returns the header as a string, "" when missing.
func (h Headers) String(key string) string {
	switch v := h[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
