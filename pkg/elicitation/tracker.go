package elicitation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long a request may stay unanswered.
	DefaultTTL = 5 * time.Minute
	// DefaultGrace is how long a resolved request is retained so in-flight
	// replies that reference it still see ErrAlreadyUsed.
	DefaultGrace = 10 * time.Second
)

// Outcome labels reported to a MetricsRecorder.
const (
	OutcomeResolved  = "resolved"
	OutcomeReplay    = "replay"
	OutcomeExpired   = "expired"
	OutcomeNotFound  = "not_found"
	OutcomeCancelled = "cancelled"
)

// Listener is told about every new request. It runs on its own goroutine and
// never blocks Create.
type Listener func(ctx context.Context, req Request)

// MetricsRecorder receives lifecycle counts.
type MetricsRecorder interface {
	ElicitationCreated(ctx context.Context, mode string)
	ElicitationOutcome(ctx context.Context, outcome string)
}

type entry struct {
	mu      sync.Mutex
	req     Request
	pending *Pending
	purge   *time.Timer
}

// Tracker owns every outstanding request and its Pending continuation.
//
// The map lock guards membership only; each entry has its own lock that
// serialises the used flag. The map lock is never held while acquiring an
// entry lock.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	settled map[string]*Pending // cancelled or expired, kept for the grace window
	closed  bool

	clock    func() time.Time
	ttl      time.Duration
	grace    time.Duration
	listener Listener
	metrics  MetricsRecorder
	logger   *slog.Logger
	newID    func(serverID string) string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithTTL sets the expiration window.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithGrace sets how long resolved requests are retained.
func WithGrace(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.grace = d
		}
	}
}

// WithListener registers the new-request callback.
func WithListener(l Listener) Option {
	return func(t *Tracker) { t.listener = l }
}

// WithMetrics registers a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger sets the tracker logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[string]*entry),
		settled: make(map[string]*Pending),
		clock:   time.Now,
		ttl:     DefaultTTL,
		grace:   DefaultGrace,
		logger:  slog.Default().With("component", "elicitation"),
		newID: func(serverID string) string {
			return serverID + "-" + uuid.NewString()
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the expiration window.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// Create registers a new request and returns its id.
func (t *Tracker) Create(ctx context.Context, serverID string, mode Mode, payload Payload) (string, error) {
	id, _, err := t.CreateWaiter(ctx, serverID, mode, payload)
	return id, err
}

// CreateWaiter is Create that also hands back the request's continuation, so
// the creator can wait on it even if the entry is cancelled and removed
// before it gets there.
func (t *Tracker) CreateWaiter(ctx context.Context, serverID string, mode Mode, payload Payload) (string, *Pending, error) {
	if serverID == "" {
		return "", nil, fmt.Errorf("%w: server id is required", ErrInvalidPayload)
	}
	if err := ValidatePayload(mode, payload); err != nil {
		return "", nil, err
	}

	e := &entry{
		req: Request{
			ID:        t.newID(serverID),
			ServerID:  serverID,
			Mode:      mode,
			Payload:   payload,
			CreatedAt: t.clock(),
		},
		pending: NewPending(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", nil, ErrClosed
	}
	if _, dup := t.entries[e.req.ID]; dup {
		t.mu.Unlock()
		return "", nil, fmt.Errorf("request id collision: %s", e.req.ID)
	}
	t.entries[e.req.ID] = e
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "elicitation created",
		"request_id", e.req.ID,
		"server_id", serverID,
		"mode", mode,
	)
	if t.metrics != nil {
		t.metrics.ElicitationCreated(ctx, string(mode))
	}
	if t.listener != nil {
		req := e.req
		go t.listener(context.WithoutCancel(ctx), req)
	}
	return e.req.ID, e.pending, nil
}

// Resolve delivers resp to the request's waiter. It succeeds at most once
// per id.
func (t *Tracker) Resolve(ctx context.Context, id string, resp Response) error {
	e := t.lookup(id)
	if e == nil {
		t.record(ctx, OutcomeNotFound)
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Used {
		t.logger.WarnContext(ctx, "elicitation replay rejected",
			"request_id", id,
			"server_id", e.req.ServerID,
		)
		t.record(ctx, OutcomeReplay)
		return ErrAlreadyUsed
	}

	if t.expired(e.req) {
		if e.pending != nil {
			_ = e.pending.Fail(ErrExpired)
		}
		t.retire(id, e)
		t.logger.InfoContext(ctx, "elicitation expired", "request_id", id, "server_id", e.req.ServerID)
		t.record(ctx, OutcomeExpired)
		return ErrExpired
	}

	if e.pending == nil {
		t.logger.ErrorContext(ctx, "elicitation has no pending resolution",
			"request_id", id,
			"server_id", e.req.ServerID,
		)
		return ErrNoPendingResolution
	}

	// Mark used before fulfilling so a concurrent Resolve that reaches this
	// entry next observes the replay.
	e.req.Used = true
	if err := e.pending.Fulfil(resp); err != nil {
		t.logger.ErrorContext(ctx, "pending resolution fulfilled twice",
			"request_id", id,
			"error", err,
		)
		return fmt.Errorf("resolve %s: %w", id, err)
	}
	e.purge = time.AfterFunc(t.grace, func() { t.remove(id, e) })

	t.logger.InfoContext(ctx, "elicitation resolved",
		"request_id", id,
		"server_id", e.req.ServerID,
		"action", resp.Action,
	)
	t.record(ctx, OutcomeResolved)
	return nil
}

// Respond is the validated submission path shared by every response
// channel: it parses decision, shapes content for the request's mode,
// checks form content against the requested schema, and resolves.
func (t *Tracker) Respond(ctx context.Context, id, decision string, content map[string]any) error {
	action, err := ParseAction(decision)
	if err != nil {
		return err
	}
	req, err := t.Lookup(id)
	if err != nil {
		t.record(ctx, OutcomeNotFound)
		return err
	}
	if req.Used || t.expired(req) {
		// Resolve reports the terminal state.
		return t.Resolve(ctx, id, Response{Action: action})
	}
	resp, err := NewResponse(action, content, req.Mode)
	if err != nil {
		return err
	}
	if req.Mode == ModeForm && action == ActionAccept {
		if err := ValidateContent(req.Payload.RequestedSchema, resp.Content); err != nil {
			return err
		}
	}
	return t.Resolve(ctx, id, resp)
}

// Await blocks until the request with id is resolved, cancelled or expired,
// or until ctx ends. A request that was cancelled or expired within the grace
// window still reports that outcome.
func (t *Tracker) Await(ctx context.Context, id string) (Response, error) {
	var p *Pending
	t.mu.RLock()
	if e, ok := t.entries[id]; ok {
		p = e.pending
		if p == nil {
			t.mu.RUnlock()
			return Response{}, ErrNoPendingResolution
		}
	} else {
		p = t.settled[id]
	}
	t.mu.RUnlock()

	if p == nil {
		return Response{}, ErrNotFound
	}
	return p.Wait(ctx)
}

// Lookup returns a copy of the request with id.
func (t *Tracker) Lookup(id string) (Request, error) {
	e := t.lookup(id)
	if e == nil {
		return Request{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req, nil
}

// Cancel resolves an outstanding request with a synthetic Cancel.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	e := t.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	if !t.cancelEntry(ctx, id, e) {
		return ErrAlreadyUsed
	}
	return nil
}

// CancelServer cancels every outstanding request owned by serverID and
// returns how many were cancelled.
func (t *Tracker) CancelServer(ctx context.Context, serverID string) int {
	n := 0
	for id, e := range t.snapshot() {
		if e.req.ServerID != serverID {
			continue
		}
		if t.cancelEntry(ctx, id, e) {
			n++
		}
	}
	if n > 0 {
		t.logger.InfoContext(ctx, "cancelled requests of disconnected server", "server_id", serverID, "count", n)
	}
	return n
}

// Close cancels every outstanding request and rejects further Create calls.
func (t *Tracker) Close(ctx context.Context) int {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	n := 0
	for id, e := range t.snapshot() {
		if t.cancelEntry(ctx, id, e) {
			n++
		}
		e.mu.Lock()
		if e.purge != nil {
			e.purge.Stop()
		}
		e.mu.Unlock()
		t.retire(id, e)
	}
	t.logger.InfoContext(ctx, "tracker closed", "cancelled", n)
	return n
}

// Expire ends an unanswered request whose window the caller has watched
// elapse, failing its waiter with ErrExpired.
func (t *Tracker) Expire(ctx context.Context, id string) error {
	e := t.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Used {
		return ErrAlreadyUsed
	}
	if e.pending != nil {
		_ = e.pending.Fail(ErrExpired)
	}
	t.retire(id, e)
	t.logger.InfoContext(ctx, "elicitation expired", "request_id", id, "server_id", e.req.ServerID)
	t.record(ctx, OutcomeExpired)
	return nil
}

// Sweep purges unanswered requests past their window, failing their waiters
// with ErrExpired. It is optional host maintenance: Resolve enforces expiry
// on its own.
func (t *Tracker) Sweep(ctx context.Context) int {
	n := 0
	for id, e := range t.snapshot() {
		e.mu.Lock()
		if !e.req.Used && t.expired(e.req) {
			if e.pending != nil {
				_ = e.pending.Fail(ErrExpired)
			}
			t.retire(id, e)
			t.record(ctx, OutcomeExpired)
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Pending lists unanswered requests, oldest first. An empty serverID lists
// every server's requests.
func (t *Tracker) Pending(serverID string) []Request {
	var out []Request
	for _, e := range t.snapshot() {
		e.mu.Lock()
		req := e.req
		e.mu.Unlock()
		if req.Used || (serverID != "" && req.ServerID != serverID) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of retained entries, resolved ones included.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tracker) cancelEntry(ctx context.Context, id string, e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Used {
		return false
	}
	e.req.Used = true
	if e.pending != nil {
		_ = e.pending.Fulfil(Response{Action: ActionCancel})
	}
	t.retire(id, e)
	t.logger.InfoContext(ctx, "elicitation cancelled", "request_id", id, "server_id", e.req.ServerID)
	t.record(ctx, OutcomeCancelled)
	return true
}

func (t *Tracker) expired(req Request) bool {
	return t.clock().Sub(req.CreatedAt) > t.ttl
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

// remove deletes id only if it still maps to e.
func (t *Tracker) remove(id string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[id] == e {
		delete(t.entries, id)
	}
}

// retire removes a cancelled or expired entry and keeps its completed
// continuation for the grace window, so a late Await sees the outcome.
func (t *Tracker) retire(id string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[id] != e {
		return
	}
	delete(t.entries, id)
	if e.pending == nil {
		return
	}
	p := e.pending
	t.settled[id] = p
	time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.settled[id] == p {
			delete(t.settled, id)
		}
	})
}

func (t *Tracker) snapshot() map[string]*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = e
	}
	return out
}

func (t *Tracker) record(ctx context.Context, outcome string) {
	if t.metrics != nil {
		t.metrics.ElicitationOutcome(ctx, outcome)
	}
}
