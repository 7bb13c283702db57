package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
)

var ErrUnknownCommand = errors.New("unknown command")

type Handler interface {
	Handle(ctx context.Context, inv domain.Invocation) error
}

type HandlerFunc func(ctx context.Context, inv domain.Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv domain.Invocation) error { return f(ctx, inv) }

// Registry maps command names to handlers and runs them inline. It is the
// synchronous dispatch backend: a run's outcome is known when Dispatch returns.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
	retries  int
	backoff  func(attempt int) time.Duration
	log      zerolog.Logger
}

// NewRegistry returns a registry whose handlers get at most timeout per
// attempt and are retried up to retries times on failure.
func NewRegistry(timeout time.Duration, retries int) *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		timeout:  timeout,
		retries:  retries,
		backoff:  backoffExp,
		log:      log.With().Str("component", "worker").Logger(),
	}
}

func (r *Registry) Register(command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

func (r *Registry) Lookup(command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[command]
	return h, ok
}

func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Dispatch(ctx context.Context, inv domain.Invocation) error {
	h, ok := r.Lookup(inv.Command)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, inv.Command)
	}

	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff(attempt)):
			}
			r.log.Debug().Str("run_id", inv.RunID).Int("attempt", attempt+1).Msg("retrying command")
		}
		if err = r.invoke(ctx, h, inv); err == nil {
			return nil
		}
	}
	return err
}

func (r *Registry) invoke(ctx context.Context, h Handler, inv domain.Invocation) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	err := h.Handle(ctx, inv)
	r.log.Debug().Str("run_id", inv.RunID).Str("command", inv.Command).Dur("elapsed", time.Since(start)).Err(err).Msg("command finished")
	return err
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
