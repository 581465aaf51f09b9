package prd

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"devloop/internal/logging"
)

// RunFunc drives one PRD to completion. The set runner stays decoupled
// from scheduler wiring; the caller builds a scheduler per PRD inside
// this callback, with a distinct task store and session.
type RunFunc func(ctx context.Context, doc PRD) error

// SetRunner executes a dependency-ordered set of PRDs concurrently.
// Each PRD starts only after every PRD it depends on has finished
// successfully; independent PRDs run in parallel.
type SetRunner struct {
	docs []PRD
	run  RunFunc
}

// NewSetRunner validates the dependency graph and returns a runner.
// Unknown dependency ids and cycles are rejected up front.
func NewSetRunner(docs []PRD, run RunFunc) (*SetRunner, error) {
	byID := make(map[string]PRD, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return nil, fmt.Errorf("prd with empty id")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate prd id %q", d.ID)
		}
		byID[d.ID] = d
	}
	for _, d := range docs {
		for _, dep := range d.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("prd %q depends on unknown prd %q", d.ID, dep)
			}
		}
	}
	if err := checkAcyclic(docs); err != nil {
		return nil, err
	}
	return &SetRunner{docs: docs, run: run}, nil
}

// Run launches every PRD on an errgroup. Dependency edges are expressed
// as done-channels: a PRD's goroutine blocks until all of its
// dependencies have closed theirs. The first failure cancels the group.
func (r *SetRunner) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryScheduler)

	done := make(map[string]chan struct{}, len(r.docs))
	for _, d := range r.docs {
		done[d.ID] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range r.docs {
		doc := d
		g.Go(func() error {
			for _, dep := range doc.DependsOn {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-done[dep]:
				}
			}
			log.Infow("prd started", "prd", doc.ID)
			if err := r.run(gctx, doc); err != nil {
				return fmt.Errorf("prd %s: %w", doc.ID, err)
			}
			log.Infow("prd finished", "prd", doc.ID)
			close(done[doc.ID])
			return nil
		})
	}
	return g.Wait()
}

// checkAcyclic rejects dependency cycles with a depth-first walk.
func checkAcyclic(docs []PRD) error {
	deps := make(map[string][]string, len(docs))
	for _, d := range docs {
		deps[d.ID] = d.DependsOn
	}
	const (
		unvisited = 0
		visiting  = 1
		finished  = 2
	)
	state := make(map[string]int, len(docs))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through prd %q", id)
		case finished:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = finished
		return nil
	}
	for _, d := range docs {
		if err := visit(d.ID); err != nil {
			return err
		}
	}
	return nil
}
