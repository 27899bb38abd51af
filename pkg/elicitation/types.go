// Package elicitation tracks outstanding "ask the user" requests issued by
// tool servers and resolves each of them exactly once.
//
// A request moves from Created to exactly one terminal state: Resolved,
// Expired, or Cancelled. Replays of a resolved id are rejected with
// ErrAlreadyUsed for as long as the id is retained, and with ErrNotFound
// once it has been purged.
package elicitation

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how the user answers a request.
type Mode string

const (
	// ModeForm collects structured content described by a JSON schema.
	ModeForm Mode = "form"
	// ModeURL sends the user to an external page; no content flows back.
	ModeURL Mode = "url"
)

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeForm, ModeURL:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidPayload, s)
}

// Action is the user's decision.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
)

// ParseAction parses a decision, case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionDecline, ActionCancel:
		return a, nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidDecision, s)
}

// Payload is what the tool server asked for.
type Payload struct {
	Message string `json:"message"`
	// RequestedSchema is a flat JSON object schema (form mode).
	RequestedSchema map[string]any `json:"requestedSchema,omitempty"`
	// URL is the page the user is sent to (url mode).
	URL string `json:"url,omitempty"`
	// ElicitationID is the server's own correlation id (url mode).
	ElicitationID string `json:"elicitationId,omitempty"`
	// HTML is optional server-supplied markup for the rendering surface.
	HTML string `json:"html,omitempty"`
}

// Request is a tracked elicitation.
type Request struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Mode      Mode      `json:"mode"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Used      bool      `json:"used"`
}

// Response is the user's decision plus, for an accepted form, its content.
type Response struct {
	Action  Action         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// NewResponse builds the response a request of mode should receive.
// Content is required for an accepted form, dropped for decline and cancel,
// and always dropped in url mode.
func NewResponse(action Action, content map[string]any, mode Mode) (Response, error) {
	switch action {
	case ActionAccept:
		if mode == ModeURL {
			return Response{Action: action}, nil
		}
		if len(content) == 0 {
			return Response{}, ErrMissingContent
		}
		return Response{Action: action, Content: content}, nil
	case ActionDecline, ActionCancel:
		return Response{Action: action}, nil
	}
	return Response{}, fmt.Errorf("%w: got %q", ErrInvalidDecision, action)
}
