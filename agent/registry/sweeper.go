package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/types"
)

// SweeperConfig configures the background unresponsive-agent sweep.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Timeout after which a silent agent counts as unresponsive.
	Timeout time.Duration
	// RunTimeout bounds a single sweep.
	RunTimeout time.Duration
}

// DefaultSweeperConfig returns a 30s interval and a 5 minute heartbeat timeout.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   30 * time.Second,
		Timeout:    5 * time.Minute,
		RunTimeout: 10 * time.Second,
	}
}

// SweepHook runs after every sweep with the agents it marked.
type SweepHook func(ctx context.Context, swept []*types.AgentProfile, err error)

// Sweeper runs SweepUnresponsive on its own ticker, independent of request
// handling.
type Sweeper struct {
	registry *Registry
	config   SweeperConfig
	logger   *zap.Logger

	mu      sync.Mutex
	hooks   []SweepHook
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper. Zero config fields take their defaults.
func NewSweeper(registry *Registry, config SweeperConfig, logger *zap.Logger) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		registry: registry,
		config:   config,
		logger:   logger.With(zap.String("component", "agent_sweeper")),
	}
}

// OnSweep registers a hook run after every sweep.
func (s *Sweeper) OnSweep(hook SweepHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx, s.done)
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("timeout", s.config.Timeout),
	)
	return nil
}

// Stop stops the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		s.logger.Info("sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce runs one sweep immediately and returns the agents it marked.
func (s *Sweeper) SweepOnce(ctx context.Context) []*types.AgentProfile {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	swept, err := s.registry.SweepUnresponsive(runCtx, s.config.Timeout)
	if err != nil {
		s.logger.Error("unresponsive sweep failed", zap.Error(err))
	} else if len(swept) > 0 {
		s.logger.Info("unresponsive sweep finished", zap.Int("swept", len(swept)))
	}

	s.mu.Lock()
	hooks := append([]SweepHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(runCtx, swept, err)
	}
	return swept
}
