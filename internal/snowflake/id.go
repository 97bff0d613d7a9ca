package snowflake

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidID indicates that a value does not parse as an ID.
var ErrInvalidID = errors.New("snowflake: invalid id")

// ID is a snowflake identifier. It crosses JSON boundaries as a decimal
// string so clients never round it through a float64.
type ID uint64

// Parse reads a decimal ID. Zero is rejected.
func Parse(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	if value == 0 {
		return 0, fmt.Errorf("%w: zero", ErrInvalidID)
	}
	return ID(value), nil
}

// String returns the decimal form.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalJSON encodes the ID as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts both the string form and a bare JSON integer.
func (id *ID) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		var number json.Number
		if numErr := json.Unmarshal(data, &number); numErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidID, string(data))
		}
		text = number.String()
	}
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value stores the ID as a signed 64-bit integer column.
func (id ID) Value() (driver.Value, error) {
	return int64(id), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(src any) error {
	switch value := src.(type) {
	case int64:
		*id = ID(value)
	case []byte:
		parsed, err := strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidID, string(value))
		}
		*id = ID(parsed)
	case string:
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidID, value)
		}
		*id = ID(parsed)
	case nil:
		*id = 0
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidID, src)
	}
	return nil
}
