package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeNode is a scriptable NodeClient that tracks concurrent Pay calls per
// counterparty.
type fakeNode struct {
	mu sync.Mutex

	balance    int64
	fee        FeeEstimate
	pingErr    error
	invoiceErr error
	payErr     error
	decoded    DecodedInvoice
	decodeErr  error

	// payDelay holds Pay open. With ignoreCancel the payment completes even
	// if the caller's context is cancelled meanwhile.
	payDelay     time.Duration
	ignoreCancel bool

	payCalls     int
	feeCalls     int
	invoiceCalls int
	inflight     map[string]int
	maxInflight  int
}

func newFakeNode(balance int64) *fakeNode {
	return &fakeNode{
		balance:  balance,
		fee:      FeeEstimate{Min: 0, Max: 1, Avg: 1},
		inflight: make(map[string]int),
	}
}

func (n *fakeNode) Ping(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pingErr
}

func (n *fakeNode) EstimateFee(_ context.Context, _ string, _ int64) (FeeEstimate, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.feeCalls++
	return n.fee, nil
}

func (n *fakeNode) CreateInvoice(_ context.Context, counterparty string, amount int64, _ string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.invoiceErr != nil {
		return "", n.invoiceErr
	}
	n.invoiceCalls++
	return fmt.Sprintf("%s|%d|%d", counterparty, amount, n.invoiceCalls), nil
}

func (n *fakeNode) DecodeInvoice(_ context.Context, _ string) (DecodedInvoice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.decoded, n.decodeErr
}

func (n *fakeNode) Pay(ctx context.Context, target PaymentTarget) (string, error) {
	key := strings.SplitN(target.PaymentRequest, "|", 2)[0]

	n.mu.Lock()
	n.payCalls++
	call := n.payCalls
	n.inflight[key]++
	if n.inflight[key] > n.maxInflight {
		n.maxInflight = n.inflight[key]
	}
	delay, ignore, payErr := n.payDelay, n.ignoreCancel, n.payErr
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.inflight[key]--
		n.mu.Unlock()
	}()

	if delay > 0 {
		if ignore {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", &NodeError{Op: "pay", Err: ctx.Err()}
			}
		}
	}
	if payErr != nil {
		return "", payErr
	}
	return fmt.Sprintf("hash-%d", call), nil
}

func (n *fakeNode) GetBalance(context.Context) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balance, nil
}

func (n *fakeNode) set(fn func(n *fakeNode)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n)
}

func (n *fakeNode) pays() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.payCalls
}

// recordingNotifier keeps every notification it receives.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// countingRates returns a fixed rate and counts lookups.
type countingRates struct {
	mu    sync.Mutex
	rate  decimal.Decimal
	calls int
}

func (c *countingRates) Rate(context.Context) (Rate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return Rate{Value: c.rate, At: time.Now()}, nil
}

func (c *countingRates) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	sched    *Scheduler
	store    *InMemoryStore
	registry *Registry
	node     *fakeNode
	notes    *recordingNotifier
}

func newHarness(t *testing.T, node *fakeNode, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewInMemoryStore(), node, opts...)
}

func newHarnessWithStore(t *testing.T, store *InMemoryStore, node *fakeNode, opts ...Option) *harness {
	t.Helper()
	reg := NewRegistry(store)
	notes := &recordingNotifier{}
	s := NewScheduler(reg, store, node, notes, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})
	return &harness{sched: s, store: store, registry: reg, node: node, notes: notes}
}

// add prepares and persists a BASE stream.
func (h *harness) add(t *testing.T, price, delayMs, totalParts int64) StreamPayment {
	t.Helper()
	ctx := context.Background()
	draft, err := h.sched.Prepare(ctx, PrepareRequest{
		CounterpartyID: "peer-" + string(NewStreamID()),
		DisplayName:    "podcast",
		Amount:         decimal.NewFromInt(price),
		Currency:       CurrencyBase,
		DelayMs:        delayMs,
		TotalParts:     totalParts,
	})
	require.NoError(t, err)
	sp, err := h.sched.AddPrepared(ctx, draft.ID)
	require.NoError(t, err)
	return sp
}

func (h *harness) get(t *testing.T, id StreamID) StreamPayment {
	t.Helper()
	sp, ok := h.sched.Get(id)
	require.True(t, ok, "stream %s not in registry", id)
	return sp
}

func (h *harness) stored(t *testing.T, id StreamID) StreamPayment {
	t.Helper()
	sp, err := h.store.GetStream(context.Background(), id)
	require.NoError(t, err)
	return sp
}
