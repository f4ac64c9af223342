// Package signature authenticates gateway payloads with a shared checksum key.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotObject      = errors.New("payload is not a JSON object")
	ErrAmbiguousField = errors.New("field cannot be rendered unambiguously")
)

// Verify reports whether providedSignature is the hex HMAC-SHA256 of payload under secret.
// It never panics and fails closed on any defect in its inputs.
func Verify(payload []byte, providedSignature string, secret []byte) bool {
	if len(payload) == 0 || len(secret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(providedSignature))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	return hmac.Equal(mac(payload, secret), provided)
}

// Sign returns the lowercase hex HMAC-SHA256 of payload under secret.
func Sign(payload, secret []byte) string {
	return hex.EncodeToString(mac(payload, secret))
}

// Digest identifies a normalized payload for duplicate detection.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func mac(payload, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Canonical renders a JSON object as its keys sorted ascending, each written
// key=value and joined by '&'. Strings are written verbatim, null as empty,
// numbers and booleans as their literal, nested values as compact JSON.
// Keys containing '&' or '=' and string values containing '&' are rejected
// with ErrAmbiguousField, as two different objects would render alike.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	return CanonicalFields(fields)
}

// CanonicalFields is Canonical for an already decoded object.
func CanonicalFields(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if strings.ContainsAny(k, "&=") {
			return nil, fmt.Errorf("%w: key %q", ErrAmbiguousField, k)
		}
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		v, err := render(fields[k])
		if err != nil {
			return nil, fmt.Errorf("render %q: %w", k, err)
		}
		buf.WriteString(v)
	}
	return buf.Bytes(), nil
}

func render(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		if strings.Contains(val, "&") {
			return "", ErrAmbiguousField
		}
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	default:
		// Marshal escapes '&' as \u0026.
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
