package elicitation

import "errors"

// Expected outcomes of resolving a request. These are normal results, not
// faults: callers report them to the submitting surface.
var (
	ErrNotFound        = errors.New("invalid or expired request id")
	ErrAlreadyUsed     = errors.New("request already used - possible replay")
	ErrExpired         = errors.New("request expired")
	ErrInvalidDecision = errors.New("decision must be accept, decline or cancel")
	ErrMissingContent  = errors.New("accept requires content")
	ErrInvalidPayload  = errors.New("invalid elicitation payload")
	ErrInvalidContent  = errors.New("content does not match requested schema")
	ErrClosed          = errors.New("tracker is closed")
)

// Invariant violations. These indicate a wiring bug, not adversarial input.
var (
	ErrNoPendingResolution = errors.New("no pending elicitation found for this request")
	ErrAlreadyFulfilled    = errors.New("pending resolution already fulfilled")
)
