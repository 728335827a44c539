// Package genealogy records fork/spawn relationships between sessions as an
// append-only DAG.
package genealogy

import (
	"context"
	"fmt"

	"github.com/agentdeck/agentdeck/internal/models"
)

// EdgeStore is the subset of the store needed by the tracker.
type EdgeStore interface {
	CreateGenealogyEdge(ctx context.Context, e *models.GenealogyEdge) error
	ListEdgesBySource(ctx context.Context, sessionID string) ([]*models.GenealogyEdge, error)
	ListEdgesByTarget(ctx context.Context, sessionID string) ([]*models.GenealogyEdge, error)
}

// Tracker maintains the session genealogy DAG. It is read-only for the rest
// of the system; only the session orchestrator records edges, once per
// session creation.
type Tracker struct {
	store EdgeStore
}

// NewTracker creates a tracker backed by the given store.
func NewTracker(s EdgeStore) *Tracker {
	return &Tracker{store: s}
}

// RecordEdge inserts a fork/spawn edge after verifying it keeps the graph
// acyclic: the target must not already be a transitive ancestor of the
// source. On violation the edge is rejected with models.ErrCycleDetected
// and the graph is unchanged.
func (t *Tracker) RecordEdge(ctx context.Context, sourceSessionID, sourceTaskID, targetSessionID string, kind models.GenealogyKind) error {
	if sourceSessionID == targetSessionID {
		return fmt.Errorf("edge %s -> %s: %w", sourceSessionID, targetSessionID, models.ErrCycleDetected)
	}

	ancestors, err := t.AncestorsOf(ctx, sourceSessionID)
	if err != nil {
		return fmt.Errorf("cycle check: %w", err)
	}
	for _, a := range ancestors {
		if a == targetSessionID {
			return fmt.Errorf("edge %s -> %s: %w", sourceSessionID, targetSessionID, models.ErrCycleDetected)
		}
	}

	return t.store.CreateGenealogyEdge(ctx, &models.GenealogyEdge{
		SourceSessionID: sourceSessionID,
		SourceTaskID:    sourceTaskID,
		TargetSessionID: targetSessionID,
		Kind:            kind,
	})
}

// AncestorsOf returns every transitive ancestor session of sessionID,
// nearest first.
func (t *Tracker) AncestorsOf(ctx context.Context, sessionID string) ([]string, error) {
	var ancestors []string
	visited := map[string]bool{sessionID: true}
	frontier := []string{sessionID}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		edges, err := t.store.ListEdgesByTarget(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.SourceSessionID] {
				continue
			}
			visited[e.SourceSessionID] = true
			ancestors = append(ancestors, e.SourceSessionID)
			frontier = append(frontier, e.SourceSessionID)
		}
	}
	return ancestors, nil
}

// ChildrenOf returns the sessions directly forked or spawned from sessionID.
func (t *Tracker) ChildrenOf(ctx context.Context, sessionID string) ([]*models.GenealogyEdge, error) {
	return t.store.ListEdgesBySource(ctx, sessionID)
}
