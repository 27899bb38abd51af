// Package orchestrator wires the trust store, the content policy engine and
// the elicitation tracker into the host-side flow for server-initiated
// elicitations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/mcphost/pkg/config"
	"github.com/Mindburn-Labs/mcphost/pkg/contentpolicy"
	"github.com/Mindburn-Labs/mcphost/pkg/elicitation"
	"github.com/Mindburn-Labs/mcphost/pkg/observability"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

// ErrURLNotAdmitted is returned when a URL-mode elicitation fails the URL
// policy.
var ErrURLNotAdmitted = errors.New("url not admitted by policy")

// TrustStore is the slice of the trust store the orchestrator needs.
type TrustStore interface {
	EnsureCertificate(ctx context.Context, serverID string) (trust.Certificate, bool, error)
	GetTier(ctx context.Context, serverID string) (trust.Tier, error)
	TierOf(serverID string) (trust.Tier, error)
}

// MetricsRecorder receives elicitation and sanitisation counts.
type MetricsRecorder interface {
	elicitation.MetricsRecorder
	ContentSanitized(ctx context.Context, tier string)
}

// Result is what the host forwards back to the requesting server.
type Result struct {
	Action  elicitation.Action `json:"action"`
	Content map[string]any     `json:"content,omitempty"`
}

// Rendered is tool-call content after the policy has been applied.
type Rendered struct {
	ServerID  string                 `json:"server_id"`
	Decision  contentpolicy.Decision `json:"decision"`
	HTML      string                 `json:"html"`
	Sanitized bool                   `json:"sanitized"`
	Sandbox   string                 `json:"sandbox"`
	CSP       string                 `json:"csp"`
}

// Orchestrator runs elicitations end to end.
type Orchestrator struct {
	trust    TrustStore
	renderer Renderer
	tracker  *elicitation.Tracker
	urls     *URLPolicy
	urlExpr  string
	metrics  MetricsRecorder
	tracer   trace.Tracer
	logger   *slog.Logger

	trackerOpts []elicitation.Option
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTrackerOptions passes options to the owned tracker. A listener given
// here is replaced by the orchestrator's dispatch.
func WithTrackerOptions(opts ...elicitation.Option) Option {
	return func(o *Orchestrator) { o.trackerOpts = append(o.trackerOpts, opts...) }
}

// WithURLPolicy sets the CEL expression that admits URL-mode targets.
func WithURLPolicy(expression string) Option {
	return func(o *Orchestrator) { o.urlExpr = expression }
}

func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator that owns its tracker.
func New(store TrustStore, renderer Renderer, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: trust store is required")
	}
	if renderer == nil {
		return nil, errors.New("orchestrator: renderer is required")
	}
	o := &Orchestrator{
		trust:    store,
		renderer: renderer,
		urlExpr:  config.DefaultURLPolicy,
		tracer:   otel.Tracer("github.com/Mindburn-Labs/mcphost/pkg/orchestrator"),
		logger:   slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	urls, err := NewURLPolicy()
	if err != nil {
		return nil, err
	}
	if err := urls.Compile(o.urlExpr); err != nil {
		return nil, fmt.Errorf("url policy: %w", err)
	}
	o.urls = urls

	topts := append([]elicitation.Option{}, o.trackerOpts...)
	topts = append(topts, elicitation.WithListener(o.dispatch))
	if o.metrics != nil {
		topts = append(topts, elicitation.WithMetrics(o.metrics))
	}
	o.tracker = elicitation.NewTracker(topts...)
	return o, nil
}

// Tracker exposes the owned tracker so the secure channel can resolve into
// it.
func (o *Orchestrator) Tracker() *elicitation.Tracker { return o.tracker }

// Elicit runs one server-initiated elicitation and blocks until the user
// answers, the request expires, the server disconnects, or ctx ends. A
// cancelled ctx cancels the tracked request.
func (o *Orchestrator) Elicit(ctx context.Context, serverID string, mode elicitation.Mode, payload elicitation.Payload) (res Result, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Elicit")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cert, _, err := o.trust.EnsureCertificate(ctx, serverID)
	if err != nil {
		return Result{}, fmt.Errorf("ensure certificate: %w", err)
	}
	span.SetAttributes(observability.ElicitationAttrs(cert.ServerID, string(mode), string(cert.Tier))...)

	if err := elicitation.ValidatePayload(mode, payload); err != nil {
		return Result{}, err
	}
	if mode == elicitation.ModeURL {
		ok, err := o.urls.Admit(o.urlExpr, cert.ServerID, payload.URL)
		if err != nil {
			return Result{}, fmt.Errorf("url policy: %w", err)
		}
		if !ok {
			o.logger.WarnContext(ctx, "url elicitation refused", "server_id", cert.ServerID)
			return Result{}, ErrURLNotAdmitted
		}
	}

	id, pending, err := o.tracker.CreateWaiter(ctx, cert.ServerID, mode, payload)
	if err != nil {
		return Result{}, err
	}
	defer o.forget(id)

	resp, err := o.await(ctx, id, pending)
	if err != nil {
		return Result{}, err
	}
	res = Result{Action: resp.Action, Content: resp.Content}
	if mode == elicitation.ModeURL {
		res.Content = nil
	}
	return res, nil
}

func (o *Orchestrator) await(ctx context.Context, id string, pending *elicitation.Pending) (elicitation.Response, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.tracker.TTL())
	defer cancel()

	resp, err := pending.Wait(waitCtx)
	if err == nil || waitCtx.Err() == nil {
		return resp, err
	}

	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if cerr := o.tracker.Cancel(bg, id); cerr == nil {
			o.logger.InfoContext(bg, "elicitation abandoned by caller", "request_id", id)
		}
		return elicitation.Response{}, ctx.Err()
	}
	if xerr := o.tracker.Expire(bg, id); errors.Is(xerr, elicitation.ErrAlreadyUsed) {
		// Answered at the deadline.
		return pending.Wait(bg)
	}
	return elicitation.Response{}, elicitation.ErrExpired
}

// Respond is the host's ordinary control path for answering a request.
func (o *Orchestrator) Respond(ctx context.Context, id, decision string, content map[string]any) error {
	return o.tracker.Respond(ctx, id, decision, content)
}

// RenderToolContent applies the server's policy to HTML returned by a tool
// call.
func (o *Orchestrator) RenderToolContent(ctx context.Context, serverID, html string, interactive bool) (Rendered, error) {
	tier, err := o.trust.GetTier(ctx, serverID)
	if err != nil {
		return Rendered{}, fmt.Errorf("resolve tier: %w", err)
	}
	d := contentpolicy.Decide(tier, interactive)
	out, changed := contentpolicy.Sanitize(d, html)
	if changed {
		o.recordSanitized(ctx, d)
	}
	return Rendered{
		ServerID:  serverID,
		Decision:  d,
		HTML:      out,
		Sanitized: changed,
		Sandbox:   d.SandboxAttribute(),
		CSP:       d.ContentSecurityPolicy(),
	}, nil
}

// ServerDisconnected cancels every outstanding request of serverID.
func (o *Orchestrator) ServerDisconnected(ctx context.Context, serverID string) int {
	return o.tracker.CancelServer(ctx, serverID)
}

// Close cancels everything outstanding and stops accepting elicitations.
func (o *Orchestrator) Close(ctx context.Context) int {
	return o.tracker.Close(ctx)
}

// dispatch is the tracker listener. It never blocks the creator.
func (o *Orchestrator) dispatch(ctx context.Context, req elicitation.Request) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch")
	defer span.End()

	tier, err := o.trust.TierOf(req.ServerID)
	if err != nil {
		o.logger.WarnContext(ctx, "no certificate at dispatch, rendering as unverified",
			"request_id", req.ID,
			"server_id", req.ServerID,
			"error", err,
		)
		tier = trust.TierUnverified
	}
	d := contentpolicy.Decide(tier, req.Payload.HTML != "")
	span.SetAttributes(observability.RenderAttrs(req.ServerID, string(d.Tier), d.Interactive)...)

	html, changed := contentpolicy.Sanitize(d, req.Payload.HTML)
	if changed {
		o.recordSanitized(ctx, d)
	}

	rr := RenderRequest{
		RequestID: req.ID,
		ServerID:  req.ServerID,
		Mode:      req.Mode,
		Message:   req.Payload.Message,
		Schema:    req.Payload.RequestedSchema,
		URL:       req.Payload.URL,
		Decision:  d,
		HTML:      html,
		Sandbox:   d.SandboxAttribute(),
		CSP:       d.ContentSecurityPolicy(),
	}
	if err := o.renderer.Render(ctx, rr); err != nil {
		o.logger.ErrorContext(ctx, "render failed, cancelling elicitation",
			"request_id", req.ID,
			"server_id", req.ServerID,
			"error", err,
		)
		_ = o.tracker.Cancel(ctx, req.ID)
		return
	}
	// The request may have ended while it was being rendered; Elicit's own
	// forget could then have run before Render stored it.
	if cur, err := o.tracker.Lookup(req.ID); err != nil || cur.Used {
		o.forget(req.ID)
	}
}

func (o *Orchestrator) forget(id string) {
	if f, ok := o.renderer.(Forgetter); ok {
		f.Forget(id)
	}
}

func (o *Orchestrator) recordSanitized(ctx context.Context, d contentpolicy.Decision) {
	o.logger.DebugContext(ctx, "content sanitised", "tier", d.Tier, "ruleset", d.Ruleset.Name)
	if o.metrics != nil {
		o.metrics.ContentSanitized(ctx, string(d.Tier))
	}
}
