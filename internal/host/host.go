// Package host wires configuration, discovery, the registry, the loader and
// the event journal into one runnable extension host.
package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/exthost/internal/config"
	"github.com/mattjoyce/exthost/internal/discovery"
	"github.com/mattjoyce/exthost/internal/events"
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/journal"
	"github.com/mattjoyce/exthost/internal/loader"
	"github.com/mattjoyce/exthost/internal/log"
	"github.com/mattjoyce/exthost/internal/manifest"
	"github.com/mattjoyce/exthost/internal/resolver"
	"github.com/mattjoyce/exthost/internal/storage"
)

// Host-level event types published on the hub.
const (
	EventStarted = "host:started"
	EventStopped = "host:stopped"
)

// ErrNotStarted is returned by Stop when Start never succeeded.
var ErrNotStarted = errors.New("host not started")

type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *extension.Registry
	hub      *events.Hub
	static   *resolver.Static
	loader   *loader.Loader
	scanner  *discovery.Scanner

	mu          sync.Mutex
	started     bool
	db          *sql.DB
	journal     *journal.Store
	stopJournal context.CancelFunc
	journalDone chan struct{}
}

type options struct {
	logger   *slog.Logger
	static   *resolver.Static
	resolver extension.Resolver
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStatic supplies the table of in-process modules used by the static
// and auto resolvers.
func WithStatic(s *resolver.Static) Option {
	return func(o *options) { o.static = s }
}

// WithResolver replaces the configured resolver entirely.
func WithResolver(r extension.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// StartReport is what Start did, step by step.
type StartReport struct {
	Discovery discovery.Report `json:"discovery"`
	Load      loader.Report    `json:"load"`
	Activate  *loader.Report   `json:"activate,omitempty"`
}

func New(cfg *config.Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Get()
	}
	if o.static == nil {
		o.static = resolver.NewStatic()
	}

	res := o.resolver
	if res == nil {
		var err error
		res, err = resolver.New(cfg.Extensions.Resolver.Default, o.static, cfg.Extensions.Resolver.ExecTimeout, o.logger.With("component", "resolver"))
		if err != nil {
			return nil, err
		}
	}

	policy := manifest.Options{
		AllowedPermissions: cfg.Extensions.AllowedPermissions,
		Platform:           cfg.Extensions.Platform.Name,
		PlatformVersion:    cfg.Extensions.Platform.Version,
	}
	hub := events.NewHub(cfg.Events.Buffer)
	reg := extension.NewRegistry(extension.WithPolicy(policy), extension.WithEmitter(hub))

	return &Host{
		cfg:      cfg,
		logger:   o.logger.With("component", "host"),
		registry: reg,
		hub:      hub,
		static:   o.static,
		loader:   loader.New(reg, res, loader.WithEmitter(hub), loader.WithLogger(o.logger)),
		scanner:  discovery.NewScanner(policy, o.logger.With("component", "discovery")),
	}, nil
}

func (h *Host) Registry() *extension.Registry { return h.registry }
func (h *Host) Loader() *loader.Loader { return h.loader }
func (h *Host) Hub() *events.Hub { return h.hub }
func (h *Host) Static() *resolver.Static { return h.static }

// Journal returns the event journal, or nil when state.path is empty or the
// host has not started.
func (h *Host) Journal() *journal.Store {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.journal
}

// Start opens the journal, discovers and registers extensions, loads them
// all and, when configured, activates them. Per-extension failures are in
// the report; only infrastructure problems and dependency cycles are
// returned as errors.
func (h *Host) Start(ctx context.Context) (StartReport, error) {
	var rep StartReport

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return rep, fmt.Errorf("host already started")
	}

	if err := h.openJournal(ctx); err != nil {
		return rep, err
	}

	var err error
	rep.Discovery, err = h.scanner.Register(h.registry, h.cfg.Extensions.Roots)
	if err != nil {
		h.closeJournal()
		return rep, fmt.Errorf("discover extensions: %w", err)
	}
	h.logger.Info("extension discovery complete", "registered", len(rep.Discovery.Registered), "skipped", len(rep.Discovery.Skipped))

	rep.Load, err = h.loader.LoadAll(ctx)
	if err != nil {
		h.closeJournal()
		return rep, fmt.Errorf("load extensions: %w", err)
	}

	if h.cfg.Extensions.ActivateOnStart {
		act := h.loader.ActivateAll(ctx)
		rep.Activate = &act
	}

	h.started = true
	h.hub.Publish(EventStarted, map[string]any{
		"registered": len(rep.Discovery.Registered),
		"loaded":     len(rep.Load.Succeeded),
	})
	return rep, nil
}

// Stop deactivates every active extension in reverse load order and then
// flushes and closes the journal.
func (h *Host) Stop(ctx context.Context) (loader.Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return loader.Report{}, ErrNotStarted
	}

	rep := h.loader.DeactivateAll(ctx)
	h.hub.Publish(EventStopped, map[string]any{"deactivated": len(rep.Succeeded)})
	h.started = false
	return rep, h.closeJournal()
}

func (h *Host) openJournal(ctx context.Context) error {
	if h.cfg.State.Path == "" {
		h.logger.Info("journal disabled (state.path is empty)")
		return nil
	}
	db, err := storage.OpenSQLite(ctx, h.cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	h.db = db
	h.journal = journal.New(db, h.logger.With("component", "journal"))
	jctx, cancel := context.WithCancel(context.Background())
	h.stopJournal = cancel
	h.journalDone = make(chan struct{})

	subscribed := make(chan struct{})
	go func() {
		defer close(h.journalDone)
		h.journal.Run(jctx, subscribeNotify{hub: h.hub, ready: subscribed})
	}()
	<-subscribed
	h.logger.Info("journal opened", "path", h.cfg.State.Path)
	return nil
}

func (h *Host) closeJournal() error {
	if h.db == nil {
		return nil
	}
	h.stopJournal()
	<-h.journalDone
	err := h.db.Close()
	h.db, h.journal, h.stopJournal, h.journalDone = nil, nil, nil, nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// subscribeNotify signals once the journal's subscription is in place so
// that no event emitted after openJournal returns is missed.
type subscribeNotify struct {
	hub   *events.Hub
	ready chan struct{}
}

func (s subscribeNotify) Subscribe() (<-chan events.Event, func()) {
	ch, cancel := s.hub.Subscribe()
	close(s.ready)
	return ch, cancel
}
