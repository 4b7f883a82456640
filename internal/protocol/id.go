// Package protocol defines the JSON wire format shared by the relay: inbound
// frames, outbound events and protocol error codes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies a user or a chat. Valid identifiers are positive; the zero
// value means "absent". Clients may send ids either as JSON numbers or as
// numeric strings.
type ID int64

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return id == 0 }

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses a decimal id.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid id %q: negative", s)
	}
	return ID(n), nil
}

// UnmarshalJSON accepts 42, "42" and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		parsed, err := ParseID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	parsed, err := ParseID(n.String())
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PairKey returns an order-independent key for two user ids.
func PairKey(a, b ID) string {
	if a > b {
		a, b = b, a
	}
	return a.String() + ":" + b.String()
}
