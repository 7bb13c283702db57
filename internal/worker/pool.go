package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/store"
)

// Observer is told the terminal status of every run the pool finishes.
type Observer interface {
	RunFinished(status domain.RunStatus)
}

// Pool runs commands in the background on a bounded number of goroutines and
// records each run's outcome itself.
type Pool struct {
	registry *Registry
	runs     store.RunStore
	observer Observer
	sem      chan struct{}
	wg       sync.WaitGroup
	log      zerolog.Logger
}

func NewPool(registry *Registry, runs store.RunStore, observer Observer, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		registry: registry,
		runs:     runs,
		observer: observer,
		sem:      make(chan struct{}, size),
		log:      log.With().Str("component", "pool").Logger(),
	}
}

func (p *Pool) CompletesRuns() bool { return true }

// Dispatch blocks until a slot is free, then starts the command and returns.
// Unknown commands are rejected up front so the caller records the failure.
func (p *Pool) Dispatch(ctx context.Context, inv domain.Invocation) error {
	if _, ok := p.registry.Lookup(inv.Command); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, inv.Command)
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() { <-p.sem }()
		defer p.wg.Done()

		// the run outlives the tick that dispatched it
		runCtx := context.WithoutCancel(ctx)
		status, msg := domain.RunOK, ""
		if err := p.registry.Dispatch(runCtx, inv); err != nil {
			status, msg = domain.RunFailed, err.Error()
			p.log.Warn().Err(err).Str("run_id", inv.RunID).Str("command", inv.Command).Msg("run failed")
		}
		if p.observer != nil {
			p.observer.RunFinished(status)
		}
		if err := p.runs.Transition(runCtx, inv.RunID, status, msg, time.Now()); err != nil {
			p.log.Error().Err(err).Str("run_id", inv.RunID).Msg("failed to record run outcome")
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has finished.
func (p *Pool) Wait() { p.wg.Wait() }
