// Package api provides RFC 7807 Problem Detail error responses and shared HTTP
// middleware for the mcphost management and secure-channel surfaces.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const (
	problemBase        = "https://mcphost.dev/errors/"
	problemContentType = "application/problem+json"
)

// ProblemDetail is an RFC 7807 error body. Every error the host returns over
// HTTP has this shape.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code separates errors sharing a status, e.g. "already_used" and
	// "expired".
	Code string `json:"code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return p.Title + ": " + p.Detail
}

func problem(status int, code, detail string) *ProblemDetail {
	kind := code
	if kind == "" {
		kind = strconv.Itoa(status)
	}
	return &ProblemDetail{
		Type:   problemBase + kind,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   code,
	}
}

// WriteProblem encodes p with the problem+json media type.
func WriteProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem with an explicit title and no code.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	p := problem(status, "", detail)
	p.Title = title
	WriteProblem(w, p)
}

// WriteErrorCode writes a coded problem whose instance is the request path.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := problem(status, code, detail)
	p.Instance = r.URL.Path
	WriteProblem(w, p)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteProblem(w, problem(http.StatusBadRequest, "", detail))
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "operation not permitted for this server"
	}
	WriteProblem(w, problem(http.StatusForbidden, "", detail))
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteProblem(w, problem(http.StatusNotFound, "", detail))
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteProblem(w, problem(http.StatusConflict, "", detail))
}

// WriteTooManyRequests sets Retry-After to seconds.
func WriteTooManyRequests(w http.ResponseWriter, seconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	WriteProblem(w, problem(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded"))
}

// WriteInternal logs err and answers 500 without exposing it.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteProblem(w, problem(http.StatusInternalServerError, "", "internal error"))
}

// WriteJSON writes v as application/json.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
