// Package securechannel is the direct response path from an interactive
// rendering surface to the elicitation tracker. It bypasses the host's
// general message path so values such as credentials are never logged,
// displayed or persisted on the way.
package securechannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/mcphost/pkg/contentpolicy"
	"github.com/Mindburn-Labs/mcphost/pkg/elicitation"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

var (
	// ErrChannelNotPermitted is returned when the owning server's tier does
	// not grant its surface the secure channel.
	ErrChannelNotPermitted = errors.New("secure channel not permitted for this server")
	// ErrContentRejected is returned when form content fails the request's
	// schema.
	ErrContentRejected = errors.New("content rejected")
)

// TierSource reports the tier in force for a server without side effects.
type TierSource interface {
	TierOf(serverID string) (trust.Tier, error)
}

// RejectionRecorder counts refused submissions.
type RejectionRecorder interface {
	ChannelRejected(ctx context.Context, reason string)
}

// Channel validates submissions and hands them to the tracker.
type Channel struct {
	tracker *elicitation.Tracker
	tiers   TierSource
	metrics RejectionRecorder
	logger  *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithMetrics registers a rejection recorder.
func WithMetrics(m RejectionRecorder) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithLogger sets the channel logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// New creates a channel over tracker, gated by tiers.
func New(tracker *elicitation.Tracker, tiers TierSource, opts ...Option) *Channel {
	c := &Channel{
		tracker: tracker,
		tiers:   tiers,
		logger:  slog.Default().With("component", "securechannel"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit delivers a decision for requestID. It only reaches requests that
// are currently tracked and whose server may use the channel.
func (c *Channel) Submit(ctx context.Context, requestID, decision string, content map[string]any) error {
	if _, err := elicitation.ParseAction(decision); err != nil {
		c.reject(ctx, requestID, "invalid_decision")
		return err
	}
	req, err := c.tracker.Lookup(requestID)
	if err != nil {
		c.reject(ctx, requestID, "not_found")
		return err
	}

	if req.Used {
		// Replays report already-used whatever the server's tier is now.
		c.reject(ctx, requestID, "replay")
		return c.tracker.Respond(ctx, requestID, decision, content)
	}

	tier, err := c.tiers.TierOf(req.ServerID)
	if err != nil || !contentpolicy.Decide(tier, true).SecureChannel {
		c.reject(ctx, requestID, "not_permitted")
		return fmt.Errorf("%w: server %s", ErrChannelNotPermitted, req.ServerID)
	}

	if err := c.tracker.Respond(ctx, requestID, decision, content); err != nil {
		if errors.Is(err, elicitation.ErrInvalidContent) {
			c.reject(ctx, requestID, "content_rejected")
			return fmt.Errorf("%w: %w", ErrContentRejected, err)
		}
		return err
	}
	c.logger.InfoContext(ctx, "secure channel submission accepted",
		"request_id", requestID,
		"server_id", req.ServerID,
		"tier", tier,
	)
	return nil
}

func (c *Channel) reject(ctx context.Context, requestID, reason string) {
	c.logger.WarnContext(ctx, "secure channel submission rejected",
		"request_id", requestID,
		"reason", reason,
	)
	if c.metrics != nil {
		c.metrics.ChannelRejected(ctx, reason)
	}
}
