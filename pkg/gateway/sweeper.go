package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helixmed/authgate/pkg/cache"
	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/federation"
	"github.com/helixmed/authgate/pkg/identity"
)

// DefaultSweepInterval is the delay between passport revalidation
// sweeps when the configuration does not specify one.
const DefaultSweepInterval = 50 * time.Minute

// PassportValidator revalidates a stored GA4GH passport against the
// issuing authority. *federation.Provider satisfies it.
type PassportValidator interface {
	ValidatePassport(ctx context.Context, passport string) (federation.ValidationStatus, error)
}

var _ PassportValidator = (*federation.Provider)(nil)

// SweeperStore is the subset of the identity store the sweeper needs.
// *identity.Store satisfies it.
type SweeperStore interface {
	UsersWithPassports(ctx context.Context) ([]*identity.User, error)
	Store
}

var _ SweeperStore = (*identity.Store)(nil)

// SweeperConfig configures the passport revalidation sweeper.
type SweeperConfig struct {
	// Validator revalidates passports upstream. Required.
	Validator PassportValidator

	// Store lists passport-holding users and clears revoked passports.
	// Required.
	Store SweeperStore

	// Cache is the authorization cache, evicted when a passport is
	// revoked. Optional.
	Cache cache.Cache

	// Interval is the delay between sweeps. Defaults to 50 minutes.
	Interval time.Duration `json:"interval" yaml:"interval" env:"SWEEP_INTERVAL" envDefault:"50m"`

	// InitialDelay is the delay before the first sweep after Start.
	// Defaults to one second.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" env:"SWEEP_INITIAL_DELAY" envDefault:"1s"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Sweeper periodically revalidates every stored passport and logs out
// users whose upstream authority no longer vouches for them.
//
// A Sweeper is safe for concurrent use. Start and Stop enforce a
// simple running/stopped state; calling Start on a running sweeper
// returns a conflict error.
type Sweeper struct {
	validator PassportValidator
	store     SweeperStore
	cache     cache.Cache
	interval  time.Duration
	initial   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a sweeper from the given configuration.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Validator == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "sweeper requires a passport validator")
	}
	if cfg.Store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "sweeper requires an identity store")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		validator: cfg.Validator,
		store:     cfg.Store,
		cache:     cfg.Cache,
		interval:  cfg.Interval,
		initial:   cfg.InitialDelay,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Start launches the background sweep loop. The loop runs until Stop is
// called or the given context is canceled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return sserr.New(sserr.CodeConflict, "sweeper is already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := ctx.Done()
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done

	go s.run(runCtx, stop, done)

	s.logger.InfoContext(ctx, "passport sweeper started",
		"interval", s.interval, "initial_delay", s.initial)
	return nil
}

// Stop halts the sweep loop and waits for any in-flight sweep to
// finish. Stopping a sweeper that is not running is a no-op.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return sserr.Wrap(ctx.Err(), sserr.CodeTimeout, "timed out waiting for sweep to finish")
	}

	s.logger.InfoContext(ctx, "passport sweeper stopped")
	return nil
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.initial)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}

		s.Sweep(ctx)
		timer.Reset(s.interval)
	}
}

// Sweep revalidates every stored passport once. It is called by the
// background loop and exported for on-demand revalidation.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "gateway.Sweep",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	users, err := s.store.UsersWithPassports(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list passport holders", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	revoked := 0
	for _, user := range users {
		if ctx.Err() != nil {
			return
		}
		if s.revalidate(ctx, user) {
			revoked++
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.users", len(users)),
		attribute.Int("sweep.revoked", revoked),
	)
	span.SetStatus(codes.Ok, "")
	s.logger.InfoContext(ctx, "passport sweep completed",
		"users", len(users), "revoked", revoked)
}

// revalidate checks one user's passport and reports whether it was
// revoked. Transient upstream failures leave the passport in place for
// the next sweep.
func (s *Sweeper) revalidate(ctx context.Context, user *identity.User) bool {
	status, err := s.validator.ValidatePassport(ctx, user.Passport)
	if err != nil {
		s.logger.WarnContext(ctx, "passport revalidation failed",
			"user_id", user.ID, "error", err)
		return false
	}
	if status.Valid() {
		return false
	}

	s.logger.InfoContext(ctx, "passport no longer valid, logging user out",
		"user_id", user.ID, "email", user.Email, "status", string(status))

	if err := s.store.SetPassport(ctx, user.ID, ""); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear revoked passport",
			"user_id", user.ID, "error", err)
		return false
	}
	if s.cache != nil && user.Email != "" {
		if err := s.cache.Invalidate(ctx, user.Email); err != nil {
			s.logger.WarnContext(ctx, "failed to evict authorization snapshot",
				"email", user.Email, "error", err)
		}
	}
	return true
}
