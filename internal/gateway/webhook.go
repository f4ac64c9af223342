package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gozon/payments/internal/signature"
)

var ErrMalformedWebhook = errors.New("malformed webhook")

// SignatureHeader carries the signature when the body has none.
const SignatureHeader = "X-Payment-Signature"

// Notification is a decoded webhook. Payload is the canonical form of the
// body's data object, which is what the gateway signs.
type Notification struct {
	Code           string
	Desc           string
	OrderReference string
	Status         string
	Payload        []byte
	Signature      string
}

type webhookBody struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

func ParseWebhook(body []byte, headerSignature string) (*Notification, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if len(wb.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedWebhook)
	}

	fields, err := decodeObject(wb.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	canonical, err := signature.CanonicalFields(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	sig := wb.Signature
	if sig == "" {
		sig = headerSignature
	}

	return &Notification{
		Code:           wb.Code,
		Desc:           wb.Desc,
		OrderReference: stringField(fields, "orderCode"),
		Status:         stringField(fields, "status"),
		Payload:        canonical,
		Signature:      sig,
	}, nil
}

// SignedWebhook builds a webhook body for data signed with checksumKey.
func SignedWebhook(data map[string]any, checksumKey []byte) ([]byte, error) {
	canonical, err := signature.CanonicalFields(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"code":      codeSuccess,
		"desc":      "success",
		"success":   true,
		"data":      data,
		"signature": signature.Sign(canonical, checksumKey),
	})
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, signature.ErrNotObject
	}
	return fields, nil
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
