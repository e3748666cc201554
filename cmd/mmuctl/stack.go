package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/events"
	"github.com/scionmmu/mmuctl/internal/history"
	"github.com/scionmmu/mmuctl/internal/lock"
	"github.com/scionmmu/mmuctl/internal/log"
	"github.com/scionmmu/mmuctl/internal/panel"
	"github.com/scionmmu/mmuctl/internal/state"
	"github.com/scionmmu/mmuctl/internal/storage"
)

// loadConfig loads path, or the discovered config when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// stack holds the components that talk to one device. Only one stack per
// device can exist across processes; the device lock enforces that.
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	lock    *lock.DeviceLock
	db      *sql.DB
	history *history.Store
	state   *state.Store
	hub     *events.Hub
	disp    *dispatch.Dispatcher
}

type stackOptions struct {
	address   string
	requireDB bool
}

// openStack locks the device, opens the state database and starts a
// dispatcher. Without requireDB a database that cannot be opened is logged
// and the stack runs without history.
func openStack(ctx context.Context, cfg *config.Config, opts stackOptions) (*stack, error) {
	address := opts.address
	if address == "" {
		address = cfg.Device.Address
	}
	s := &stack{cfg: cfg, logger: log.WithDevice(address)}

	l, err := lock.Acquire(cfg.LockDir(), address)
	if err != nil {
		return nil, err
	}
	s.lock = l
	s.logger.Debug("acquired device lock", "path", l.Path())

	db, err := storage.OpenSQLite(ctx, cfg.StatePath())
	switch {
	case err == nil:
		s.db = db
		s.history = history.New(db)
		s.state = state.NewStore(db)
	case opts.requireDB:
		_ = l.Release()
		return nil, fmt.Errorf("failed to open state database %s: %w", cfg.StatePath(), err)
	default:
		s.logger.Warn("running without history", "path", cfg.StatePath(), "error", err)
	}

	s.hub = events.NewHub(256)
	dopts := []dispatch.Option{dispatch.WithHub(s.hub)}
	if s.history != nil {
		dopts = append(dopts, dispatch.WithRecorder(s.history))
	}
	s.disp = dispatch.New(cfg, dopts...)
	return s, nil
}

// controller builds a panel controller over the stack's dispatcher.
func (s *stack) controller(address string) (*panel.Controller, error) {
	var opts []panel.Option
	if s.history != nil {
		opts = append(opts, panel.WithRecipeLog(s.history))
	}
	if s.state != nil {
		opts = append(opts, panel.WithDeviceState(s.state))
	}
	c := panel.New(s.cfg, s.disp, opts...)
	if address != "" && address != c.Address() {
		if err := c.SetAddress(address); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Close stops the dispatcher, then releases the database and the lock.
func (s *stack) Close() {
	if s.disp != nil {
		_ = s.disp.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to release device lock: %v\n", err)
		}
	}
}

// waitTerminal drains results until the terminal result for id, calling
// each on every result of that invocation.
func waitTerminal(ctx context.Context, results <-chan dispatch.Result, id string, each func(dispatch.Result)) (dispatch.Result, error) {
	for {
		select {
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		case r, ok := <-results:
			if !ok {
				return dispatch.Result{}, dispatch.ErrClosed
			}
			if r.InvocationID != id {
				continue
			}
			if each != nil {
				each(r)
			}
			if r.Terminal() {
				return r, nil
			}
		}
	}
}
