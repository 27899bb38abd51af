package securechannel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mcphost/pkg/elicitation"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

type tierMap map[string]trust.Tier

func (m tierMap) TierOf(serverID string) (trust.Tier, error) {
	t, ok := m[serverID]
	if !ok {
		return "", trust.ErrNotFound
	}
	return t, nil
}

type rejections struct {
	mu      sync.Mutex
	reasons []string
}

func (r *rejections) ChannelRejected(_ context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *rejections) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func apiKeyPayload() elicitation.Payload {
	return elicitation.Payload{
		Message: "Enter your API key",
		RequestedSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"apiKey": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []any{"apiKey"},
		},
	}
}

func newTestChannel(t *testing.T, tiers tierMap) (*Channel, *elicitation.Tracker, *rejections) {
	t.Helper()
	tracker := elicitation.NewTracker(elicitation.WithGrace(time.Minute))
	t.Cleanup(func() { tracker.Close(context.Background()) })
	rec := &rejections{}
	return New(tracker, tiers, WithMetrics(rec)), tracker, rec
}

func TestSubmit_TrustedFormAccept(t *testing.T) {
	ch, tracker, _ := newTestChannel(t, tierMap{"demo": trust.TierTrusted})
	ctx := context.Background()

	id, err := tracker.Create(ctx, "demo", elicitation.ModeForm, apiKeyPayload())
	require.NoError(t, err)

	require.NoError(t, ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "abc"}))

	resp, err := tracker.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, elicitation.ActionAccept, resp.Action)
	assert.Equal(t, map[string]any{"apiKey": "abc"}, resp.Content)

	err = ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "xyz"})
	assert.ErrorIs(t, err, elicitation.ErrAlreadyUsed)
}

func TestSubmit_UnverifiedServerRejected(t *testing.T) {
	ch, tracker, rec := newTestChannel(t, tierMap{"demo": trust.TierUnverified})
	ctx := context.Background()

	id, err := tracker.Create(ctx, "demo", elicitation.ModeForm, apiKeyPayload())
	require.NoError(t, err)

	err = ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "abc"})
	assert.ErrorIs(t, err, ErrChannelNotPermitted)
	assert.Equal(t, []string{"not_permitted"}, rec.all())

	req, err := tracker.Lookup(id)
	require.NoError(t, err)
	assert.False(t, req.Used)
}

func TestSubmit_ReplayAfterUntrustReportsAlreadyUsed(t *testing.T) {
	tiers := tierMap{"demo": trust.TierTrusted}
	ch, tracker, rec := newTestChannel(t, tiers)
	ctx := context.Background()

	id, err := tracker.Create(ctx, "demo", elicitation.ModeForm, apiKeyPayload())
	require.NoError(t, err)
	require.NoError(t, ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "abc"}))

	tiers["demo"] = trust.TierUnverified
	err = ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "abc"})
	assert.ErrorIs(t, err, elicitation.ErrAlreadyUsed)
	assert.NotErrorIs(t, err, ErrChannelNotPermitted)
	assert.Equal(t, []string{"replay"}, rec.all())

	// A fresh request from the now-untrusted server is gated.
	id, err = tracker.Create(ctx, "demo", elicitation.ModeForm, apiKeyPayload())
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "abc"}), ErrChannelNotPermitted)
}

func TestSubmit_UnknownServerRejected(t *testing.T) {
	ch, tracker, _ := newTestChannel(t, tierMap{})
	ctx := context.Background()

	id, err := tracker.Create(ctx, "ghost", elicitation.ModeForm, apiKeyPayload())
	require.NoError(t, err)

	err = ch.Submit(ctx, id, "decline", nil)
	assert.ErrorIs(t, err, ErrChannelNotPermitted)
}

func TestSubmit_Errors(t *testing.T) {
	ch, tracker, rec := newTestChannel(t, tierMap{"demo": trust.TierVerified})
	ctx := context.Background()

	id, err := tracker.Create(ctx, "demo", elicitation.ModeForm, apiKeyPayload())
	require.NoError(t, err)

	err = ch.Submit(ctx, id, "maybe", nil)
	assert.ErrorIs(t, err, elicitation.ErrInvalidDecision)

	err = ch.Submit(ctx, "demo-missing", "accept", map[string]any{"apiKey": "abc"})
	assert.ErrorIs(t, err, elicitation.ErrNotFound)

	err = ch.Submit(ctx, id, "accept", nil)
	assert.ErrorIs(t, err, elicitation.ErrMissingContent)

	err = ch.Submit(ctx, id, "accept", map[string]any{"apiKey": ""})
	assert.ErrorIs(t, err, ErrContentRejected)
	assert.ErrorIs(t, err, elicitation.ErrInvalidContent)

	assert.Equal(t, []string{"invalid_decision", "not_found", "content_rejected"}, rec.all())

	// The request survives rejected submissions.
	require.NoError(t, ch.Submit(ctx, id, "decline", map[string]any{"apiKey": "ignored"}))
	resp, err := tracker.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, elicitation.ActionDecline, resp.Action)
	assert.Nil(t, resp.Content)
}

func TestSubmit_URLModeDropsContent(t *testing.T) {
	ch, tracker, _ := newTestChannel(t, tierMap{"demo": trust.TierTrusted})
	ctx := context.Background()

	id, err := tracker.Create(ctx, "demo", elicitation.ModeURL, elicitation.Payload{
		Message:       "Sign in",
		URL:           "https://auth.example.com/login",
		ElicitationID: "e-1",
	})
	require.NoError(t, err)

	require.NoError(t, ch.Submit(ctx, id, "accept", map[string]any{"token": "secret"}))
	resp, err := tracker.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, elicitation.ActionAccept, resp.Action)
	assert.Nil(t, resp.Content)
}

func TestSubmit_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	tracker := elicitation.NewTracker(elicitation.WithClock(clock), elicitation.WithTTL(time.Minute))
	t.Cleanup(func() { tracker.Close(context.Background()) })
	ch := New(tracker, tierMap{"demo": trust.TierTrusted})
	ctx := context.Background()

	id, err := tracker.Create(ctx, "demo", elicitation.ModeForm, apiKeyPayload())
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	err = ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "abc"})
	assert.ErrorIs(t, err, elicitation.ErrExpired)

	err = ch.Submit(ctx, id, "accept", map[string]any{"apiKey": "abc"})
	assert.ErrorIs(t, err, elicitation.ErrNotFound)
}
