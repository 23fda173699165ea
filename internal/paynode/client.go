// Package paynode is an HTTP/JSON client for the payment-channel node's REST
// gateway.
package paynode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paystream/internal/streaming"
)

// Client implements streaming.NodeClient.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ streaming.NodeClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds every call, including reading the reply.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid node url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type feeRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

type invoiceRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Memo        string `json:"memo,omitempty"`
}

type invoiceReply struct {
	PaymentRequest string `json:"payment_request"`
}

type paymentReply struct {
	PaymentHash string `json:"payment_hash"`
}

type balanceReply struct {
	Balance int64 `json:"balance"`
}

type errorReply struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Ping checks that the node answers GET /v1/getinfo.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "getinfo", http.MethodGet, "/v1/getinfo", nil, nil)
}

// EstimateFee implements streaming.NodeClient.
func (c *Client) EstimateFee(ctx context.Context, counterpartyID string, amount int64) (streaming.FeeEstimate, error) {
	var fee streaming.FeeEstimate
	err := c.do(ctx, "estimate_fee", http.MethodPost, "/v1/fees/estimate",
		feeRequest{Destination: counterpartyID, Amount: amount}, &fee)
	return fee, err
}

// CreateInvoice implements streaming.NodeClient.
func (c *Client) CreateInvoice(ctx context.Context, counterpartyID string, amount int64, memo string) (string, error) {
	var reply invoiceReply
	err := c.do(ctx, "create_invoice", http.MethodPost, "/v1/invoices",
		invoiceRequest{Destination: counterpartyID, Amount: amount, Memo: memo}, &reply)
	if err == nil && reply.PaymentRequest == "" {
		err = &streaming.NodeError{Op: "create_invoice", Err: errors.New("empty payment request")}
	}
	return reply.PaymentRequest, err
}

// DecodeInvoice implements streaming.NodeClient.
func (c *Client) DecodeInvoice(ctx context.Context, paymentRequest string) (streaming.DecodedInvoice, error) {
	var inv streaming.DecodedInvoice
	err := c.do(ctx, "decode_invoice", http.MethodGet, "/v1/payreq/"+url.PathEscape(paymentRequest), nil, &inv)
	return inv, err
}

// Pay implements streaming.NodeClient.
func (c *Client) Pay(ctx context.Context, target streaming.PaymentTarget) (string, error) {
	var reply paymentReply
	err := c.do(ctx, "pay", http.MethodPost, "/v1/payments", target, &reply)
	return reply.PaymentHash, err
}

// GetBalance implements streaming.NodeClient.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var reply balanceReply
	err := c.do(ctx, "balance", http.MethodGet, "/v1/balance/channels", nil, &reply)
	return reply.Balance, err
}

// do sends one call. Every failure comes back as *streaming.NodeError;
// transport failures also match streaming.ErrNoConnectivity.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &streaming.NodeError{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &streaming.NodeError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &streaming.NodeError{Op: op, Err: ctx.Err()}
		}
		return &streaming.NodeError{Op: op, Err: fmt.Errorf("%w: %w", streaming.ErrNoConnectivity, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorReply
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(raw))
			if er.Error == "" {
				er.Error = resp.Status
			}
		}
		code := er.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return &streaming.NodeError{Op: op, Code: code, Err: errors.New(er.Error)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &streaming.NodeError{Op: op, Err: fmt.Errorf("decode reply: %w", err)}
	}
	return nil
}
