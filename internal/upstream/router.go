package upstream

import (
	"context"

	"github.com/marcus/taskmirror/internal/model"
)

// Router implements the engine's upstream surface over one client per
// configured source, routing by the task's source name. Tasks with no
// recorded source fall back to the first configured client.
type Router struct {
	clients  map[string]*Client
	fallback *Client
}

// NewRouter builds a router. names and clients are parallel; the first
// entry is the fallback.
func NewRouter(names []string, clients []*Client) *Router {
	r := &Router{clients: make(map[string]*Client, len(clients))}
	for i, c := range clients {
		r.clients[names[i]] = c
		if r.fallback == nil {
			r.fallback = c
		}
	}
	return r
}

// AddLabel routes the label mutation to the task's source workspace.
func (r *Router) AddLabel(ctx context.Context, t model.Task, label string) error {
	c := r.fallback
	if cl, ok := r.clients[t.SourceName]; ok {
		c = cl
	}
	return c.AddLabel(ctx, t.UpstreamID, label)
}
