package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"paystream/internal/platform/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Scheduler owns one cancellable task per STREAMING stream and every state
// transition of the streams it manages. Each transition is written to the
// Store before the Registry reflects it.
type Scheduler struct {
	registry  *Registry
	store     Store
	node      NodeClient
	notifier  Notifier
	rates     RateSource
	admission Admission
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// ctlMu serializes control operations (start, pause, finish, ...).
	// Stream tasks never take it.
	ctlMu sync.Mutex

	mu    sync.Mutex
	tasks map[StreamID]*task
	wg    sync.WaitGroup
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics enables metric recording. m may be nil.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRates sets the fiat rate source used by Prepare and Update.
func WithRates(rs RateSource) Option {
	return func(s *Scheduler) { s.rates = rs }
}

// NewScheduler wires a scheduler. notifier may be nil.
func NewScheduler(registry *Registry, store Store, node NodeClient, notifier Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: registry,
		store:    store,
		node:     node,
		notifier: notifier,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		tasks:    make(map[StreamID]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadStreams rebuilds the registry from the store. Streams that were
// STREAMING when the process stopped are persisted as PAUSED and are not
// re-armed; resuming them takes an explicit Start.
func (s *Scheduler) LoadStreams(ctx context.Context) ([]StreamPayment, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.activeTasks() > 0 {
		return nil, fmt.Errorf("%w: streams are running", ErrInvalidState)
	}

	_, interrupted, err := s.registry.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range interrupted {
		sp, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		if err := s.store.SaveStream(ctx, sp); err != nil {
			return nil, fmt.Errorf("pause interrupted stream %s: %w", id, err)
		}
		s.log.Warn("stream interrupted by restart, left paused", slog.String("stream_id", string(id)))
	}
	return s.registry.Snapshot(), nil
}

// Prepare validates input, normalizes the price to base units and looks up a
// fee estimate. The result is kept as a draft until AddPrepared.
func (s *Scheduler) Prepare(ctx context.Context, req PrepareRequest) (StreamPayment, error) {
	if req.DelayMs < 0 {
		return StreamPayment{}, fmt.Errorf("%w: delay must not be negative", ErrInvalidInput)
	}
	if req.TotalParts <= 0 && req.TotalParts != InfiniteParts {
		return StreamPayment{}, fmt.Errorf("%w: total parts must be positive or infinite", ErrInvalidInput)
	}

	now := s.now()
	counterparty := req.CounterpartyID
	amount, currency := req.Amount, req.Currency
	if currency == "" {
		currency = CurrencyBase
	}

	if req.PaymentRequest != "" {
		inv, err := s.node.DecodeInvoice(ctx, req.PaymentRequest)
		if err != nil {
			return StreamPayment{}, err
		}
		if inv.Expired(now) {
			return StreamPayment{}, fmt.Errorf("%w: payment request expired", ErrInvalidInput)
		}
		counterparty = inv.Destination
		if inv.Amount > 0 {
			// every part pays the request as issued, so its amount is the price
			if !amount.IsZero() && (currency != CurrencyBase || !amount.Equal(decimal.NewFromInt(inv.Amount))) {
				return StreamPayment{}, fmt.Errorf("%w: payment request is fixed at %d base units", ErrInvalidInput, inv.Amount)
			}
			amount, currency = decimal.NewFromInt(inv.Amount), CurrencyBase
		}
	}
	if counterparty == "" {
		return StreamPayment{}, fmt.Errorf("%w: counterparty is required", ErrInvalidInput)
	}

	price, rate, err := baseAmount(ctx, s.rates, amount, currency)
	if err != nil {
		return StreamPayment{}, err
	}
	fee, err := s.node.EstimateFee(ctx, counterparty, price)
	if err != nil {
		return StreamPayment{}, err
	}

	sp := StreamPayment{
		ID:             NewStreamID(),
		CounterpartyID: counterparty,
		DisplayName:    req.DisplayName,
		ContactName:    req.ContactName,
		Memo:           req.Memo,
		PaymentRequest: req.PaymentRequest,
		PricePerPart:   price,
		Currency:       currency,
		DelayMs:        req.DelayMs,
		TotalParts:     req.TotalParts,
		Status:         StatusPaused,
		FeeEstimate:    fee,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if currency == CurrencyFiat {
		sp.FiatAmount, sp.Rate, sp.RateAt = amount, rate.Value, rate.At
	}
	s.registry.PutDraft(sp)
	return sp, nil
}

// AddPrepared persists the draft with id and makes it visible in the registry.
func (s *Scheduler) AddPrepared(ctx context.Context, id StreamID) (StreamPayment, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	sp, ok := s.registry.TakeDraft(id)
	if !ok {
		return StreamPayment{}, ErrNotPrepared
	}
	if err := s.store.SaveStream(ctx, sp); err != nil {
		s.registry.PutDraft(sp)
		return StreamPayment{}, fmt.Errorf("save stream: %w", err)
	}
	s.registry.Upsert(sp)
	s.log.Info("stream added",
		slog.String("stream_id", string(sp.ID)),
		slog.Int64("price_per_part", sp.PricePerPart),
		slog.Int64("total_parts", sp.TotalParts))
	return sp, nil
}

// DiscardPrepared drops the draft with id without touching the ledger.
func (s *Scheduler) DiscardPrepared(id StreamID) error {
	if _, ok := s.registry.TakeDraft(id); !ok {
		return ErrNotPrepared
	}
	return nil
}

// Update changes a PAUSED stream. The fee estimate is refreshed and fiat
// prices are reconverted at the current rate before anything is saved.
func (s *Scheduler) Update(ctx context.Context, id StreamID, upd StreamUpdate) (StreamPayment, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	sp, ok := s.registry.Get(id)
	if !ok {
		return StreamPayment{}, ErrRecordNotFound
	}
	if sp.Status != StatusPaused {
		return StreamPayment{}, fmt.Errorf("%w: update requires a paused stream, got %s", ErrInvalidState, sp.Status)
	}

	next := sp
	if upd.DisplayName != nil {
		next.DisplayName = *upd.DisplayName
	}
	if upd.ContactName != nil {
		next.ContactName = *upd.ContactName
	}
	if upd.Memo != nil {
		next.Memo = *upd.Memo
	}
	if upd.DelayMs != nil {
		if *upd.DelayMs < 0 {
			return StreamPayment{}, fmt.Errorf("%w: delay must not be negative", ErrInvalidInput)
		}
		next.DelayMs = *upd.DelayMs
	}
	if upd.TotalParts != nil {
		tp := *upd.TotalParts
		if tp != InfiniteParts && (tp <= 0 || tp < next.PartsPaid) {
			return StreamPayment{}, fmt.Errorf("%w: total parts %d below parts paid %d", ErrInvalidInput, tp, next.PartsPaid)
		}
		next.TotalParts = tp
	}

	if upd.Currency != nil {
		next.Currency = *upd.Currency
	}
	if sp.PaymentRequest != "" && (upd.Amount != nil || next.Currency != sp.Currency) {
		if err := s.checkFixedRequest(ctx, sp, upd); err != nil {
			return StreamPayment{}, err
		}
	}
	if upd.Amount != nil || next.Currency == CurrencyFiat {
		amount := next.FiatAmount
		switch {
		case upd.Amount != nil:
			amount = *upd.Amount
		case sp.Currency != CurrencyFiat:
			amount = decimal.Zero
		}
		price, rate, err := baseAmount(ctx, s.rates, amount, next.Currency)
		if err != nil {
			return StreamPayment{}, err
		}
		next.PricePerPart = price
		next.FiatAmount, next.Rate, next.RateAt = decimal.Zero, decimal.Zero, time.Time{}
		if next.Currency == CurrencyFiat {
			next.FiatAmount, next.Rate, next.RateAt = amount, rate.Value, rate.At
		}
	}
	if next.Currency != CurrencyFiat {
		next.FiatAmount, next.Rate, next.RateAt = decimal.Zero, decimal.Zero, time.Time{}
	}

	fee, err := s.node.EstimateFee(ctx, next.CounterpartyID, next.PricePerPart)
	if err != nil {
		return StreamPayment{}, err
	}
	next.FeeEstimate = fee
	next.UpdatedAt = s.now()

	if err := s.store.SaveStream(ctx, next); err != nil {
		return StreamPayment{}, fmt.Errorf("save stream: %w", err)
	}
	s.registry.Upsert(next)
	return next, nil
}

// checkFixedRequest rejects price changes on a stream whose payment request
// carries its own amount.
func (s *Scheduler) checkFixedRequest(ctx context.Context, sp StreamPayment, upd StreamUpdate) error {
	inv, err := s.node.DecodeInvoice(ctx, sp.PaymentRequest)
	if err != nil {
		return err
	}
	if inv.Amount <= 0 {
		return nil
	}
	if upd.Currency != nil && *upd.Currency != CurrencyBase {
		return fmt.Errorf("%w: payment request is fixed at %d base units", ErrInvalidInput, inv.Amount)
	}
	if upd.Amount != nil && !upd.Amount.Equal(decimal.NewFromInt(inv.Amount)) {
		return fmt.Errorf("%w: payment request is fixed at %d base units", ErrInvalidInput, inv.Amount)
	}
	return nil
}

// Start promotes a stream to STREAMING and arms its task. It returns as soon
// as the transition is persisted; the first part is paid asynchronously.
func (s *Scheduler) Start(ctx context.Context, id StreamID) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	sp, ok := s.registry.Get(id)
	if !ok {
		return ErrRecordNotFound
	}
	switch {
	case sp.Status == StatusStreaming:
		return fmt.Errorf("%w: stream is already streaming", ErrInvalidState)
	case sp.Status == StatusFinished:
		return fmt.Errorf("%w: stream is finished", ErrInvalidState)
	case sp.Complete():
		return fmt.Errorf("%w: all %d parts already paid", ErrInvalidState, sp.TotalParts)
	}

	if err := s.node.Ping(ctx); err != nil {
		if !errors.Is(err, ErrNoConnectivity) {
			err = fmt.Errorf("%w: %w", ErrNoConnectivity, err)
		}
		return err
	}

	next := sp
	next.Status = StatusStreaming
	next.PartsPending = 0
	next.UpdatedAt = s.now()
	if err := s.store.SaveStream(ctx, next); err != nil {
		return fmt.Errorf("save stream: %w", err)
	}
	s.registry.Upsert(next)
	s.transitioned(StatusStreaming)
	s.arm(id)

	s.log.Info("stream started", slog.String("stream_id", string(id)), slog.Int64("parts_paid", next.PartsPaid))
	return nil
}

// Pause cancels the stream's task, waits for it to exit and persists PAUSED.
// Pausing a paused stream is a no-op.
func (s *Scheduler) Pause(ctx context.Context, id StreamID) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	return s.pauseLocked(ctx, id)
}

// PauseAll pauses every STREAMING stream and returns once all of their tasks
// have exited. Used on logout and shutdown.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	ids := make(map[StreamID]struct{})
	for _, sp := range s.registry.Snapshot() {
		if sp.Status == StatusStreaming {
			ids[sp.ID] = struct{}{}
		}
	}
	s.mu.Lock()
	for id := range s.tasks {
		ids[id] = struct{}{}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for id := range ids {
		g.Go(func() error {
			err := s.pauseLocked(ctx, id)
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrRecordNotFound) {
				// finished while we waited, or deleted
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Finish cancels any armed task and marks the stream FINISHED.
func (s *Scheduler) Finish(ctx context.Context, id StreamID) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if err := s.stopTask(ctx, id, StatusFinished); err != nil {
		return err
	}
	sp, ok := s.registry.Get(id)
	if !ok {
		return ErrRecordNotFound
	}
	if sp.Status == StatusFinished {
		return nil
	}
	return s.setStatus(ctx, sp, StatusFinished)
}

// Delete soft-deletes a stream that is not streaming.
func (s *Scheduler) Delete(ctx context.Context, id StreamID) error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	sp, ok := s.registry.Get(id)
	if !ok {
		return ErrRecordNotFound
	}
	if sp.Status == StatusStreaming {
		return fmt.Errorf("%w: pause the stream before deleting it", ErrInvalidState)
	}
	if err := s.store.DeleteStream(ctx, id); err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	s.registry.Remove(id)
	return nil
}

// Close pauses everything and waits for all tasks to return.
func (s *Scheduler) Close(ctx context.Context) error {
	err := s.PauseAll(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// Get returns a snapshot of one stream.
func (s *Scheduler) Get(id StreamID) (StreamPayment, bool) {
	return s.registry.Get(id)
}

// List returns a snapshot of all streams.
func (s *Scheduler) List() []StreamPayment {
	return s.registry.Snapshot()
}

// Parts returns the paid-part history of a stream.
func (s *Scheduler) Parts(ctx context.Context, id StreamID) ([]StreamPart, error) {
	if _, ok := s.registry.Get(id); !ok {
		return nil, ErrRecordNotFound
	}
	return s.store.ListParts(ctx, id)
}

// AnyStreaming reports whether any stream is currently STREAMING.
func (s *Scheduler) AnyStreaming() bool {
	return s.registry.AnyStreaming()
}

// StreamingCount returns the number of STREAMING streams.
func (s *Scheduler) StreamingCount() int {
	return s.registry.CountByStatus(StatusStreaming)
}

// pauseLocked does the work of Pause. Caller must hold s.ctlMu.
func (s *Scheduler) pauseLocked(ctx context.Context, id StreamID) error {
	if err := s.stopTask(ctx, id, StatusPaused); err != nil {
		return err
	}
	sp, ok := s.registry.Get(id)
	if !ok {
		return ErrRecordNotFound
	}
	switch sp.Status {
	case StatusPaused:
		return nil
	case StatusFinished:
		return fmt.Errorf("%w: stream is finished", ErrInvalidState)
	}
	return s.setStatus(ctx, sp, StatusPaused)
}

// setStatus persists sp with status and then publishes it to the registry.
func (s *Scheduler) setStatus(ctx context.Context, sp StreamPayment, status Status) error {
	next := sp
	next.Status = status
	next.PartsPending = 0
	next.UpdatedAt = s.now()
	if err := s.store.SaveStream(ctx, next); err != nil {
		return fmt.Errorf("save stream: %w", err)
	}
	s.registry.Upsert(next)
	s.transitioned(status)

	msg := "stream paused"
	if status == StatusFinished {
		msg = "stream finished"
	}
	s.log.Info(msg, slog.String("stream_id", string(sp.ID)), slog.Int64("parts_paid", next.PartsPaid))
	return nil
}

func (s *Scheduler) arm(id StreamID) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, id, t)
}

// stopTask cancels the task for id, if any, and waits until it has exited.
// The task stays in the arena until it returns. If ctx ends first, the stop
// is handed to settle, which applies target once the task is gone.
func (s *Scheduler) stopTask(ctx context.Context, id StreamID, target Status) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		s.settle(id, t, target)
		return ctx.Err()
	}
}

// settle waits for t to exit and then moves the stream to target, unless
// something else already took it out of STREAMING or re-armed it.
func (s *Scheduler) settle(id StreamID, t *task, target Status) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-t.done

		s.ctlMu.Lock()
		defer s.ctlMu.Unlock()

		s.mu.Lock()
		_, armed := s.tasks[id]
		s.mu.Unlock()
		sp, ok := s.registry.Get(id)
		if armed || !ok || sp.Status == target {
			return
		}
		if target == StatusPaused && sp.Status != StatusStreaming {
			return
		}
		if err := s.setStatus(context.Background(), sp, target); err != nil {
			s.log.Error("settle stopped stream failed",
				slog.String("stream_id", string(id)),
				slog.String("status", string(target)),
				slog.String("error", err.Error()))
		}
	}()
}

// release removes t from the arena unless it was already replaced.
func (s *Scheduler) release(id StreamID, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks[id] == t {
		delete(s.tasks, id)
	}
	t.cancel()
}

func (s *Scheduler) activeTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// run is the per-stream loop. At most one part is attempted per pass; a
// stream paused for longer than its delay fires once, immediately, instead of
// catching up on the missed intervals.
func (s *Scheduler) run(ctx context.Context, id StreamID, t *task) {
	defer s.wg.Done()
	defer close(t.done)
	defer s.release(id, t)

	log := s.log.With(slog.String("stream_id", string(id)))
	for {
		sp, ok := s.registry.Get(id)
		if !ok || sp.Status != StatusStreaming {
			return
		}

		if wait := sp.DueAt().Sub(s.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		if !s.attempt(ctx, log, id) {
			return
		}
	}
}

// attempt pays one part and reports whether the loop should continue.
func (s *Scheduler) attempt(ctx context.Context, log *slog.Logger, id StreamID) bool {
	sp, ok := s.registry.ApplyDelta(id, func(sp *StreamPayment) { sp.PartsPending = 1 })
	if !ok {
		return false
	}

	hash, err := s.payPart(ctx, sp)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by pause or finish, which own the transition.
			s.registry.ApplyDelta(id, func(sp *StreamPayment) { sp.PartsPending = 0 })
			log.Debug("attempt cancelled", slog.String("error", err.Error()))
			return false
		}
		s.failAttempt(ctx, log, sp, err)
		return false
	}

	next, err := s.completePart(ctx, log, sp, hash)
	if err != nil {
		s.failAttempt(ctx, log, next, err)
		return false
	}
	return next.Status == StatusStreaming && ctx.Err() == nil
}

func (s *Scheduler) payPart(ctx context.Context, sp StreamPayment) (string, error) {
	snap := NodeSnapshot{Connected: s.node.Ping(ctx) == nil}
	if snap.Connected {
		balance, err := s.node.GetBalance(ctx)
		if err != nil {
			return "", err
		}
		snap.Balance = balance
	}
	if err := s.admission.Authorize(sp, snap); err != nil {
		return "", err
	}

	target := PaymentTarget{PaymentRequest: sp.PaymentRequest, Amount: sp.PricePerPart}
	if target.PaymentRequest == "" {
		req, err := s.node.CreateInvoice(ctx, sp.CounterpartyID, sp.PricePerPart, sp.Memo)
		if err != nil {
			return "", err
		}
		target.PaymentRequest = req
	}
	return s.node.Pay(ctx, target)
}

// completePart records a payment that happened. It runs to completion even
// if ctx was cancelled meanwhile. On a ledger error the returned record
// carries the paid counters so the failure path keeps them.
func (s *Scheduler) completePart(ctx context.Context, log *slog.Logger, sp StreamPayment, hash string) (StreamPayment, error) {
	now := s.now()
	next := sp
	next.PartsPaid++
	next.TotalAmountPaid += sp.PricePerPart
	next.LastPaymentAt = now
	next.PartsPending = 0
	next.UpdatedAt = now
	if next.Complete() {
		next.Status = StatusFinished
	}
	part := StreamPart{
		ID:          uuid.NewString(),
		StreamID:    sp.ID,
		PaymentHash: hash,
		Amount:      sp.PricePerPart,
		PaidAt:      now,
	}

	if err := s.store.RecordPart(context.WithoutCancel(ctx), next, part); err != nil {
		log.Error("part paid but not recorded",
			slog.String("payment_hash", hash),
			slog.Int64("parts_paid", next.PartsPaid),
			slog.String("error", err.Error()))
		return next, fmt.Errorf("record part %d: %w", next.PartsPaid, err)
	}
	s.registry.Upsert(next)

	if s.metrics != nil {
		s.metrics.ObservePartPaid(sp.PricePerPart)
	}
	log.Debug("part paid",
		slog.Int64("parts_paid", next.PartsPaid),
		slog.Int64("total_amount_paid", next.TotalAmountPaid),
		slog.String("payment_hash", hash))
	if next.Status == StatusFinished {
		s.transitioned(StatusFinished)
		log.Info("stream finished", slog.Int64("parts_paid", next.PartsPaid))
	}
	return next, nil
}

// failAttempt pauses the stream and emits the one notification of this cycle.
func (s *Scheduler) failAttempt(ctx context.Context, log *slog.Logger, sp StreamPayment, cause error) {
	ctx = context.WithoutCancel(ctx)
	next := sp
	next.Status = StatusPaused
	next.PartsPending = 0
	next.UpdatedAt = s.now()

	if err := s.store.SaveStream(ctx, next); err != nil {
		log.Error("persist paused stream failed", slog.String("error", err.Error()))
	}
	s.registry.Upsert(next)

	reason := ReasonOf(cause)
	if s.metrics != nil {
		s.metrics.IncAttemptFailure(reason)
	}
	s.transitioned(StatusPaused)
	log.Warn("stream paused after failed attempt",
		slog.String("reason", reason),
		slog.String("error", cause.Error()))

	if s.notifier == nil {
		return
	}
	n := Notification{
		StreamID:    sp.ID,
		DisplayName: sp.DisplayName,
		Reason:      reason,
		Message:     cause.Error(),
		Status:      StatusPaused,
		At:          next.UpdatedAt,
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		log.Error("notification failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) transitioned(status Status) {
	if s.metrics != nil {
		s.metrics.IncTransition(string(status))
	}
}
