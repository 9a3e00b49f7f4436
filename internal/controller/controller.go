// Package controller owns the daemon's cooperative run loop. All protocol
// state (event bus, transfer client/server, updater) is confined to one
// goroutine: transport callbacks and HTTP commands are marshalled onto the
// loop through an inbox, and a ticker advances the per-tick state machines
// in a fixed order.
package controller

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"boxd/internal/eventbus"
	"boxd/internal/transfer"
	"boxd/internal/transport"
	"boxd/internal/updater"
	"boxd/pkg/types"
)

// Config carries the controller's wiring parameters.
type Config struct {
	Device    string
	TopicBase string
	Root      string // managed files root, also the transfer server's root
	Source    string // default device updates are fetched from
	ChunkSize int
	Retry     time.Duration
	Timeout   time.Duration
	Tick      time.Duration
}

func (c *Config) setDefaults() {
	if c.TopicBase == "" {
		c.TopicBase = "lb/files"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 2000
	}
	if c.Retry <= 0 {
		c.Retry = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
}

// Controller wires the components together and runs them.
type Controller struct {
	cfg Config
	log zerolog.Logger

	reg    *eventbus.Registry
	tr     transport.Transport
	client *transfer.Client
	server *transfer.Server
	upd    *updater.Updater

	inbox   chan func()
	running atomic.Bool
}

// New builds the controller and all its components over the given
// transport.
func New(tr transport.Transport, cfg Config, log zerolog.Logger) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:   cfg,
		log:   log.With().Str("component", "controller").Logger(),
		reg:   eventbus.NewRegistry(),
		tr:    tr,
		inbox: make(chan func(), 256),
	}

	c.server = transfer.NewServer(tr, cfg.TopicBase, cfg.Device, cfg.Root,
		transfer.NewServerEvents(c.reg, log), c.enqueue, log)
	c.client = transfer.NewClient(tr, transfer.ClientConfig{
		Base:          cfg.TopicBase,
		DefaultSource: cfg.Source,
		ChunkSize:     cfg.ChunkSize,
		Retry:         cfg.Retry,
		Timeout:       cfg.Timeout,
	}, transfer.NewClientEvents(c.reg, log), c.enqueue, log)
	c.upd = updater.New(c.client, updater.Config{
		Root:      cfg.Root,
		Device:    cfg.Device,
		Source:    cfg.Source,
		ChunkSize: cfg.ChunkSize,
	}, updater.NewEvents(c.reg, log), log)
	c.upd.Bind(c.reg.Get(transfer.EventFetchComplete), c.reg.Get(transfer.EventFetchError))
	return c
}

// Events returns the registered event names, for introspection.
func (c *Controller) Events() []string { return c.reg.Names() }

// Registry exposes the event registry so embedders can subscribe before
// calling Run.
func (c *Controller) Registry() *eventbus.Registry { return c.reg }

func (c *Controller) enqueue(fn func()) { c.inbox <- fn }

// Run starts the transfer server and drives the loop until ctx is
// canceled. Ticks step the transfer client then the updater; inbox work
// (transport deliveries, HTTP commands) runs between ticks.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.server.Start(); err != nil {
		return err
	}
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	c.running.Store(true)
	defer c.running.Store(false)
	c.log.Info().Str("device", c.cfg.Device).Str("root", c.cfg.Root).Msg("controller running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.inbox:
			fn()
		case now := <-ticker.C:
			c.client.Step(now)
			c.upd.Step()
		}
	}
}

// Ready reports whether the run loop is live.
func (c *Controller) Ready() bool { return c.running.Load() }

// do runs fn on the controller goroutine and waits for it.
func (c *Controller) do(fn func() error) error {
	if !c.running.Load() {
		return updater.ErrUnavailable("controller not running")
	}
	errc := make(chan error, 1)
	c.inbox <- func() { errc <- fn() }
	return <-errc
}

// FetchFile starts a manual fetch. A relative destination lands under the
// managed root; an empty one mirrors the remote path.
func (c *Controller) FetchFile(file, dest string, chunk int, source string) error {
	if dest == "" {
		dest = file
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(c.cfg.Root, filepath.FromSlash(dest))
	}
	return c.do(func() error {
		return c.client.Fetch(file, dest, chunk, source)
	})
}

// FetchStatus snapshots the transfer client session.
func (c *Controller) FetchStatus() types.FetchStatus {
	var st types.FetchStatus
	_ = c.do(func() error {
		st = c.client.Status()
		return nil
	})
	return st
}

// StartCheck starts a check run; with local set it compares against the
// cached manifest instead of fetching one.
func (c *Controller) StartCheck(local bool) error {
	return c.do(func() error {
		if local {
			return c.upd.StartCheckLocal()
		}
		return c.upd.StartCheck()
	})
}

// StartUpdate starts a full over-the-air update run.
func (c *Controller) StartUpdate() error {
	return c.do(func() error { return c.upd.StartUpdate() })
}

// Versions scans the managed root for embedded file versions.
func (c *Controller) Versions() (map[string]string, error) {
	var v map[string]string
	err := c.do(func() error {
		var err error
		v, err = c.upd.Versions()
		return err
	})
	return v, err
}

// Status reports device, updater phase and transfer state.
func (c *Controller) Status() types.StatusResponse {
	var st types.StatusResponse
	_ = c.do(func() error {
		st = types.StatusResponse{
			Device:  c.cfg.Device,
			Phase:   string(c.upd.Phase()),
			Error:   c.upd.Err(),
			Fetch:   c.client.Status(),
			Pending: c.upd.Pending(),
			Newer:   c.upd.Newer(),
		}
		return nil
	})
	return st
}
