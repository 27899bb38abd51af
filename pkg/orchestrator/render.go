package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/mcphost/pkg/contentpolicy"
	"github.com/Mindburn-Labs/mcphost/pkg/elicitation"
)

// RenderRequest is everything a rendering surface needs to present one
// elicitation. HTML is already sanitised for the server's tier.
type RenderRequest struct {
	RequestID string                 `json:"request_id"`
	ServerID  string                 `json:"server_id"`
	Mode      elicitation.Mode       `json:"mode"`
	Message   string                 `json:"message"`
	Schema    map[string]any         `json:"requested_schema,omitempty"`
	URL       string                 `json:"url,omitempty"`
	Decision  contentpolicy.Decision `json:"decision"`
	HTML      string                 `json:"html,omitempty"`
	Sandbox   string                 `json:"sandbox"`
	CSP       string                 `json:"csp"`
}

// Renderer presents elicitations to the user. Render must not block on the
// user's answer.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req RenderRequest) error

func (f RendererFunc) Render(ctx context.Context, req RenderRequest) error { return f(ctx, req) }

// Forgetter is implemented by renderers that retain what they render. Forget
// is called once the elicitation has ended, however it ended.
type Forgetter interface {
	Forget(id string)
}

// Queue is a Renderer that holds render requests until a surface polls for
// them. It backs headless hosts whose UI runs in another process.
type Queue struct {
	mu    sync.Mutex
	items map[string]RenderRequest
}

func NewQueue() *Queue {
	return &Queue{items: make(map[string]RenderRequest)}
}

func (q *Queue) Render(_ context.Context, req RenderRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[req.RequestID] = req
	return nil
}

// Get returns the render request for id.
func (q *Queue) Get(id string) (RenderRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.items[id]
	return r, ok
}

// Forget drops id.
func (q *Queue) Forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns queued requests ordered by id.
func (q *Queue) List() []RenderRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RenderRequest, 0, len(q.items))
	for _, r := range q.items {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}
