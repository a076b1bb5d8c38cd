package notify

import (
	"context"
	"sync"
)

type reactionKey struct {
	messageID string
	emoji     string
}

// Registry maps (message, emoji) pairs to handlers. Specific registrations
// win over wildcard ones registered with an empty message id.
type Registry struct {
	mu       sync.Mutex
	handlers map[reactionKey]ReactionHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[reactionKey]ReactionHandler)}
}

// On registers h, replacing any previous handler for the same pair.
func (r *Registry) On(messageID, emoji string, h ReactionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reactionKey{messageID, emoji}] = h
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Dispatch runs the handler matching rc, if any, and reports whether one ran.
func (r *Registry) Dispatch(ctx context.Context, rc Reaction) bool {
	r.mu.Lock()
	h, ok := r.handlers[reactionKey{rc.MessageID, rc.Emoji}]
	if !ok {
		h, ok = r.handlers[reactionKey{"", rc.Emoji}]
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h(ctx, rc)
	return true
}
