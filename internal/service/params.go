package service

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	msgContent    = "content is required and must be a non-empty string"
	msgTTLSeconds = "ttl_seconds must be an integer >= 1"
	msgMaxViews   = "max_views must be an integer >= 1"
)

func invalidField(field string) error {
	return &ValidationError{Field: field, Message: messageFor(field)}
}

func messageFor(field string) string {
	switch field {
	case FieldTTLSeconds:
		return msgTTLSeconds
	case FieldMaxViews:
		return msgMaxViews
	}
	return field + " must be an integer >= 1"
}

// Field names as they appear on the wire.
const (
	FieldContent    = "content"
	FieldTTLSeconds = "ttl_seconds"
	FieldMaxViews   = "max_views"
)

// ParseContent decodes a JSON content value. Anything other than a string is
// rejected with the content validation error.
func ParseContent(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", invalid(FieldContent, msgContent)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(FieldContent, msgContent)
	}
	return s, nil
}

// ParseOptionalInt decodes an optional integer field from JSON. A missing
// field yields nil. An explicit null, a string, a fraction or a number
// outside the int range is a validation error for field. Integral values
// written with a fraction or exponent, such as 5.0 or 1e3, are accepted.
func ParseOptionalInt(field string, raw json.RawMessage) (*int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	c := raw[0]
	if c != '-' && (c < '0' || c > '9') {
		return nil, invalidField(field)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return nil, invalidField(field)
	}
	if n, err := num.Int64(); err == nil {
		return toInt(field, float64(n), n)
	}
	f, err := num.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return nil, invalidField(field)
	}
	return toInt(field, f, int64(f))
}

// ParseFormInt decodes an optional integer from a form value. Blank means unset.
func ParseFormInt(field, value string) (*int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, invalidField(field)
	}
	return toInt(field, float64(n), n)
}

func toInt(field string, f float64, n int64) (*int, error) {
	if f > math.MaxInt32 || f < math.MinInt32 {
		return nil, invalidField(field)
	}
	v := int(n)
	return &v, nil
}
