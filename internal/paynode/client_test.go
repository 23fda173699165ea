package paynode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paystream/internal/streaming"
)

// fakeGateway mimics the node's REST gateway.
func fakeGateway(t *testing.T, token string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if token != "" && req.Header.Get("Authorization") != "Bearer "+token {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{"error": "bad token", "code": 16})
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/v1/getinfo", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"alias": "test", "synced": true})
	})
	r.Post("/v1/fees/estimate", func(w http.ResponseWriter, req *http.Request) {
		var in feeRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		json.NewEncoder(w).Encode(streaming.FeeEstimate{Min: 1, Max: in.Amount / 10, Avg: 2})
	})
	r.Post("/v1/invoices", func(w http.ResponseWriter, req *http.Request) {
		var in invoiceRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		json.NewEncoder(w).Encode(invoiceReply{PaymentRequest: "pr-" + in.Destination})
	})
	r.Get("/v1/payreq/{request}", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(streaming.DecodedInvoice{
			Destination: "dest-of-" + chi.URLParam(req, "request"),
			Amount:      500,
			Expiry:      time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			Hash:        "h",
		})
	})
	r.Post("/v1/payments", func(w http.ResponseWriter, req *http.Request) {
		var in streaming.PaymentTarget
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		if in.PaymentRequest == "pr-broke" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{"error": "no route", "code": 2})
			return
		}
		json.NewEncoder(w).Encode(paymentReply{PaymentHash: "hash-" + in.PaymentRequest})
	})
	r.Get("/v1/balance/channels", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(balanceReply{Balance: 4200})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_invalid_url(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)
}

func TestClient_calls(t *testing.T) {
	srv := fakeGateway(t, "secret")
	c, err := New(srv.URL+"/", WithToken("secret"), WithTimeout(2*time.Second))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	fee, err := c.EstimateFee(ctx, "node-a", 1000)
	require.NoError(t, err)
	assert.Equal(t, streaming.FeeEstimate{Min: 1, Max: 100, Avg: 2}, fee)

	pr, err := c.CreateInvoice(ctx, "node-a", 100, "thanks")
	require.NoError(t, err)
	assert.Equal(t, "pr-node-a", pr)

	inv, err := c.DecodeInvoice(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "dest-of-abc", inv.Destination)
	assert.Equal(t, int64(500), inv.Amount)
	assert.False(t, inv.Expired(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)))

	hash, err := c.Pay(ctx, streaming.PaymentTarget{PaymentRequest: pr})
	require.NoError(t, err)
	assert.Equal(t, "hash-pr-node-a", hash)

	bal, err := c.GetBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), bal)
}

func TestClient_node_error(t *testing.T) {
	srv := fakeGateway(t, "")
	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.Pay(context.Background(), streaming.PaymentTarget{PaymentRequest: "pr-broke"})
	require.Error(t, err)

	var ne *streaming.NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "pay", ne.Op)
	assert.Equal(t, 2, ne.Code)
	assert.ErrorContains(t, err, "no route")
	assert.ErrorIs(t, err, streaming.ErrNodeCallFailed)
	assert.NotErrorIs(t, err, streaming.ErrNoConnectivity)
	assert.Equal(t, streaming.ReasonNodeCallFailed, streaming.ReasonOf(err))
}

func TestClient_unauthorized(t *testing.T) {
	srv := fakeGateway(t, "secret")
	c, err := New(srv.URL, WithToken("wrong"))
	require.NoError(t, err)

	err = c.Ping(context.Background())
	var ne *streaming.NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 16, ne.Code)
}

func TestClient_plain_text_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway exploded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.GetBalance(context.Background())
	var ne *streaming.NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusInternalServerError, ne.Code)
	assert.ErrorContains(t, err, "gateway exploded")
}

func TestClient_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, WithTimeout(time.Second))
	require.NoError(t, err)

	err = c.Ping(context.Background())
	assert.ErrorIs(t, err, streaming.ErrNoConnectivity)
	assert.ErrorIs(t, err, streaming.ErrNodeCallFailed)
	assert.Equal(t, streaming.ReasonNoConnectivity, streaming.ReasonOf(err))
}

func TestClient_cancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})
	c, err := New(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Pay(ctx, streaming.PaymentTarget{PaymentRequest: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, streaming.ErrNoConnectivity)
}
