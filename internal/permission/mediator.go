// Package permission mediates synchronous approval gates raised by agents
// mid-execution. A gated tool call suspends only its own task; everything
// else keeps running.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/agentdeck/agentdeck/internal/models"
)

// RequestStore is the subset of the store the mediator needs.
type RequestStore interface {
	CreatePermissionRequest(ctx context.Context, p *models.PermissionRequest) error
	GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error)
	ResolvePermissionRequest(ctx context.Context, id string, state models.PermissionState, reason string) error
	ListPendingPermissionRequests(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error)
}

// DefaultTimeout bounds how long a gate stays open with no decision.
const DefaultTimeout = 5 * time.Minute

// Gate describes one approval request.
type Gate struct {
	SessionID string
	TaskID    string
	RepoID    string
	Tool      string
	Args      map[string]any
	Timeout   time.Duration
}

type pending struct {
	req      *models.PermissionRequest
	repoID   string
	decision chan models.PermissionState
}

// Mediator converts an agent's in-flight approval request into a
// suspend/resume point with timeout and cancellation. Unanswered gates fail
// closed: timeout means deny.
type Mediator struct {
	store  RequestStore
	router *broadcast.Router

	mu      sync.Mutex
	pending map[string]*pending // request id -> pending
}

// NewMediator creates a mediator publishing to the given router.
func NewMediator(s RequestStore, r *broadcast.Router) *Mediator {
	return &Mediator{
		store:   s,
		router:  r,
		pending: make(map[string]*pending),
	}
}

// Request persists the gate, announces it to observers, and blocks the
// calling task until a decision arrives, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both resolve to a deny outcome.
func (m *Mediator) Request(ctx context.Context, g Gate) (models.PermissionState, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	args, err := json.Marshal(g.Args)
	if err != nil {
		return "", fmt.Errorf("marshal tool args: %w", err)
	}

	req := &models.PermissionRequest{
		SessionID: g.SessionID,
		TaskID:    g.TaskID,
		Tool:      g.Tool,
		ArgsJSON:  string(args),
		State:     models.PermissionPending,
	}
	if err := m.store.CreatePermissionRequest(ctx, req); err != nil {
		return "", err
	}

	p := &pending{req: req, repoID: g.RepoID, decision: make(chan models.PermissionState, 1)}
	m.mu.Lock()
	m.pending[req.ID] = p
	m.mu.Unlock()

	m.publish(broadcast.EventPermissionCreated, req, g.RepoID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case state := <-p.decision:
		return state, nil
	case <-timer.C:
		err := m.finish(context.WithoutCancel(ctx), req.ID, models.PermissionTimedOut, "no decision before timeout")
		if errors.Is(err, models.ErrAlreadyResolved) {
			// A resolution raced the timer and won; take its decision.
			return <-p.decision, nil
		}
		return models.PermissionTimedOut, nil
	case <-ctx.Done():
		err := m.finish(context.WithoutCancel(ctx), req.ID, models.PermissionDenied, models.ErrSessionTerminated.Error())
		if errors.Is(err, models.ErrAlreadyResolved) {
			return <-p.decision, ctx.Err()
		}
		return models.PermissionDenied, ctx.Err()
	}
}

// Resolve records an operator decision. Only valid while pending; the first
// resolution wins and later attempts get models.ErrAlreadyResolved.
func (m *Mediator) Resolve(ctx context.Context, requestID string, approve bool, reason string) error {
	state := models.PermissionDenied
	if approve {
		state = models.PermissionApproved
	}
	return m.finish(ctx, requestID, state, reason)
}

// CancelSession forcibly resolves every outstanding request of a session so
// no suspended task outlives it. In-memory waiters are woken first; a store
// sweep then catches requests persisted as pending by a previous process,
// which have no waiter but still need a terminal state. Returns the number
// of requests resolved.
func (m *Mediator) CancelSession(ctx context.Context, sessionID string) int {
	m.mu.Lock()
	var ids []string
	for id, p := range m.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	resolved := make(map[string]bool)
	for _, id := range ids {
		if m.finish(ctx, id, models.PermissionDenied, models.ErrSessionTerminated.Error()) == nil {
			resolved[id] = true
		}
	}

	persisted, err := m.store.ListPendingPermissionRequests(ctx, sessionID)
	if err != nil {
		return len(resolved)
	}
	for _, req := range persisted {
		if resolved[req.ID] {
			continue
		}
		if m.store.ResolvePermissionRequest(ctx, req.ID, models.PermissionDenied, models.ErrSessionTerminated.Error()) != nil {
			continue
		}
		req.State = models.PermissionDenied
		req.Reason = models.ErrSessionTerminated.Error()
		m.publish(broadcast.EventPermissionResolved, req, "")
		resolved[req.ID] = true
	}
	return len(resolved)
}

// Pending lists a session's unresolved requests from the store.
func (m *Mediator) Pending(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error) {
	return m.store.ListPendingPermissionRequests(ctx, sessionID)
}

// finish transitions a request to its terminal state. The store CAS is the
// arbiter for racing resolutions; the in-memory map only routes the wakeup.
func (m *Mediator) finish(ctx context.Context, requestID string, state models.PermissionState, reason string) error {
	if err := m.store.ResolvePermissionRequest(ctx, requestID, state, reason); err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if ok {
		p.req.State = state
		p.req.Reason = reason
		p.decision <- state
		m.publish(broadcast.EventPermissionResolved, p.req, p.repoID)
	}
	return nil
}

func (m *Mediator) publish(eventType string, req *models.PermissionRequest, repoID string) {
	channels := []string{broadcast.SessionChannel(req.SessionID)}
	if repoID != "" {
		channels = append(channels, broadcast.BoardChannel(repoID))
	}
	m.router.Publish(broadcast.Event{
		Type:     eventType,
		EntityID: req.ID,
		Channels: channels,
		Payload:  req,
	})
}
