// Package gateway talks to the payment gateway's merchant API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gozon/payments/internal/signature"
)

var ErrGatewayRejected = errors.New("gateway rejected request")

const codeSuccess = "00"

type CreateOrderRequest struct {
	OrderReference string
	Amount         int64
	Description    string
	ReturnURL      string
	CancelURL      string
}

type CheckoutLink struct {
	OrderReference string `json:"order_reference"`
	CheckoutURL    string `json:"checkout_url"`
	QRCode         string `json:"qr_code"`
	PaymentLinkID  string `json:"payment_link_id"`
	Status         string `json:"status"`
}

// StatusReport is the gateway's current view of one order. Payload is the
// canonical form of the response data.
type StatusReport struct {
	OrderReference string
	Status         string
	Payload        []byte
}

// Client is the gateway's merchant API as used by this service.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CheckoutLink, error)
	QueryStatus(ctx context.Context, orderReference string) (*StatusReport, error)
}

type Config struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey []byte
	Timeout     time.Duration
}

type HTTPClient struct {
	cfg  Config
	http *http.Client
}

func NewHTTPClient(cfg Config, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, http: httpClient}
}

type envelope struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CheckoutLink, error) {
	orderCode, err := strconv.ParseInt(req.OrderReference, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("order reference %q is not numeric: %w", req.OrderReference, err)
	}

	signed := map[string]any{
		"amount":      json.Number(strconv.FormatInt(req.Amount, 10)),
		"cancelUrl":   req.CancelURL,
		"description": req.Description,
		"orderCode":   json.Number(strconv.FormatInt(orderCode, 10)),
		"returnUrl":   req.ReturnURL,
	}
	canonical, err := signature.CanonicalFields(signed)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"orderCode":   orderCode,
		"amount":      req.Amount,
		"description": req.Description,
		"cancelUrl":   req.CancelURL,
		"returnUrl":   req.ReturnURL,
		"signature":   signature.Sign(canonical, c.cfg.ChecksumKey),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal create order: %w", err)
	}

	env, err := c.do(ctx, http.MethodPost, "/v2/payment-requests", body)
	if err != nil {
		return nil, err
	}

	var data struct {
		CheckoutURL   string      `json:"checkoutUrl"`
		QRCode        string      `json:"qrCode"`
		PaymentLinkID string      `json:"paymentLinkId"`
		OrderCode     json.Number `json:"orderCode"`
		Status        string      `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode create order response: %w", err)
	}

	return &CheckoutLink{
		OrderReference: req.OrderReference,
		CheckoutURL:    data.CheckoutURL,
		QRCode:         data.QRCode,
		PaymentLinkID:  data.PaymentLinkID,
		Status:         data.Status,
	}, nil
}

func (c *HTTPClient) QueryStatus(ctx context.Context, orderReference string) (*StatusReport, error) {
	env, err := c.do(ctx, http.MethodGet, "/v2/payment-requests/"+url.PathEscape(orderReference), nil)
	if err != nil {
		return nil, err
	}

	fields, err := decodeObject(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	canonical, err := signature.CanonicalFields(fields)
	if err != nil {
		return nil, err
	}

	ref := stringField(fields, "orderCode")
	if ref == "" {
		ref = orderReference
	}
	return &StatusReport{
		OrderReference: ref,
		Status:         stringField(fields, "status"),
		Payload:        canonical,
	}, nil
}

// ConfirmWebhook registers webhookURL as the merchant's webhook endpoint.
func (c *HTTPClient) ConfirmWebhook(ctx context.Context, webhookURL string) error {
	if webhookURL == "" {
		return errors.New("webhook url is required")
	}
	body, err := json.Marshal(map[string]string{"webhookUrl": webhookURL})
	if err != nil {
		return fmt.Errorf("marshal confirm webhook: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/confirm-webhook", body)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("x-client-id", c.cfg.ClientID)
	req.Header.Set("x-api-key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if env.Code != codeSuccess {
		return nil, fmt.Errorf("%w: code %s: %s", ErrGatewayRejected, env.Code, env.Desc)
	}
	return &env, nil
}
