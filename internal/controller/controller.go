// Package controller owns the monitoring engine's main loop: it builds the
// source registry and listener from a validated configuration, drains ready
// sources into their attached rules, and enqueues matched actions. It also
// implements the validate-then-swap reload protocol, under which a failed
// reload leaves the running configuration untouched and the worker pool is
// never restarted.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/lognot/lognotd/internal/actionqueue"
	"github.com/lognot/lognotd/internal/config"
	"github.com/lognot/lognotd/internal/monitor"
	"github.com/lognot/lognotd/internal/source"
	"github.com/lognot/lognotd/internal/watch"
)

// generation is one loaded configuration's live engine state: the source
// registry, the listener watching it, and every rule built from the file.
// A generation is immutable once built; reload swaps the whole value.
type generation struct {
	id       uuid.UUID
	reg      *source.Registry
	lst      *watch.Listener
	allRules []*monitor.Rule
}

// Controller drives the main loop and the reload protocol. It is safe for
// concurrent use; Reload and the main loop coordinate through a single
// RWMutex guarding the active generation.
type Controller struct {
	logger *slog.Logger
	queue  *actionqueue.Queue

	startedAt time.Time

	mu  sync.RWMutex
	gen *generation
}

// New creates a Controller over queue. Call Load once before Run.
func New(logger *slog.Logger, queue *actionqueue.Queue) *Controller {
	return &Controller{
		logger:    logger,
		queue:     queue,
		startedAt: time.Now(),
	}
}

// Load builds the initial generation from the configuration at path. A
// watch subscription failure here aborts the whole startup, unlike the same
// failure during Reload, which only drops that one source.
func (c *Controller) Load(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	gen, err := buildGeneration(c.logger, cfg, true)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.gen = gen
	c.mu.Unlock()

	gen.lst.Run()
	c.logger.Info("controller: configuration loaded",
		slog.String("generation", gen.id.String()),
		slog.Int("rules", len(gen.allRules)),
		slog.Int("sources", gen.reg.Len()))
	return nil
}

// buildGeneration parses cfg into live Sources and Rules. fatalOnSubscribe
// controls whether a listener subscription failure aborts the whole build
// (the initial Load) or merely drops that one source with a warning
// (Reload).
func buildGeneration(logger *slog.Logger, cfg *config.Config, fatalOnSubscribe bool) (*generation, error) {
	reg := source.NewRegistry()
	var allRules []*monitor.Rule

	for _, rc := range cfg.Rules {
		if rc.FileType == source.KindSocket {
			logger.Warn("controller: unix sockets are not supported, rule skipped",
				slog.String("rule", rc.Name), slog.String("path", rc.Path))
			continue
		}

		src, ok := reg.Get(rc.Path)
		if !ok {
			if err := source.EnsureExists(rc.Path, rc.FileType); err != nil {
				return nil, fmt.Errorf("controller: %s: %w", rc.Name, err)
			}
			opened, err := source.Open(rc.Path, rc.FileType, rc.Separator, true)
			if err != nil {
				return nil, fmt.Errorf("controller: %s: %w", rc.Name, err)
			}
			if err := reg.Add(opened); err != nil {
				return nil, fmt.Errorf("controller: %s: %w", rc.Name, err)
			}
			src = opened
		}

		var up, down *monitor.Window
		if rc.UpAction != "" {
			up = monitor.NewWindow(rc.UpFreq)
		}
		if rc.DownAction != "" {
			down = monitor.NewWindow(rc.DownFreq)
		}

		rule := monitor.NewRule(rc.Name, rc.Pattern, up, down, rc.UseCRC)
		rule.UpAction = rc.UpAction
		rule.DownAction = rc.DownAction
		rule.SizeAction = rc.SizeAction
		rule.SizeLimit = rc.SizeBytes

		src.AttachRule(rule)
		allRules = append(allRules, rule)
	}

	lst, err := watch.NewListener(logger)
	if err != nil {
		return nil, fmt.Errorf("controller: new listener: %w", err)
	}
	for _, src := range reg.All() {
		if err := lst.Subscribe(src); err != nil {
			if fatalOnSubscribe {
				return nil, fmt.Errorf("controller: subscribe %q: %w", src.Path(), err)
			}
			logger.Warn("controller: subscribe failed, source dropped from active set",
				slog.String("path", src.Path()), slog.Any("error", err))
			reg.Remove(src.Path())
			continue
		}
	}

	return &generation{id: uuid.New(), reg: reg, lst: lst, allRules: allRules}, nil
}

// Reload validates a fresh configuration and only on success stops the
// active listener, tears down the active sources and rules, and installs
// the new generation. A failed validation leaves every rule, source, and
// window untouched. Workers are never restarted; in-flight actions keep
// executing across the swap.
func (c *Controller) Reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		c.logger.Error("controller: reload aborted, configuration invalid", slog.Any("error", err))
		return err
	}

	next, err := buildGeneration(c.logger, cfg, false)
	if err != nil {
		c.logger.Error("controller: reload aborted, failed to build new generation", slog.Any("error", err))
		return err
	}

	c.mu.Lock()
	old := c.gen
	c.gen = next
	c.mu.Unlock()

	if old != nil {
		if err := old.lst.Close(); err != nil {
			c.logger.Warn("controller: error closing previous listener", slog.Any("error", err))
		}
		for _, src := range old.reg.All() {
			if err := src.Close(); err != nil {
				c.logger.Warn("controller: error closing previous source", slog.String("path", src.Path()), slog.Any("error", err))
			}
		}
	}

	next.lst.Run()
	c.logger.Info("controller: reload complete", slog.String("generation", next.id.String()))
	return nil
}

// Run drives the main loop until ctx is cancelled: for every source the
// active listener reports ready, drain it with FetchNext until no item is
// produced, checking every attached rule's size- and up-bound on each item.
func (c *Controller) Run(ctx context.Context) error {
	for {
		gen := c.activeGeneration()
		if gen == nil {
			return fmt.Errorf("controller: Run called before Load")
		}

		select {
		case <-ctx.Done():
			return nil
		case path, ok := <-gen.lst.Ready():
			if !ok {
				// The listener was closed out from under us by a reload;
				// loop back around and pick up the new one.
				continue
			}
			c.drain(gen, path)
		}
	}
}

func (c *Controller) activeGeneration() *generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// drain extracts items from one ready source until none remain, feeding
// each through the source's attached rules. A drain that produced nothing
// is the truncation signal: the file emitted an event but has no new data
// past the current offset.
func (c *Controller) drain(gen *generation, path string) {
	src, ok := gen.reg.Get(path)
	if !ok {
		return
	}

	produced := 0
	for {
		item, ok, err := src.FetchNext()
		if err != nil {
			c.logger.Warn("controller: fetch failed", slog.String("path", path), slog.Any("error", err))
			break
		}
		if !ok {
			break
		}
		produced++
		c.dispatch(src, item)
	}

	if produced == 0 {
		if err := src.HandleIfTruncated(); err != nil {
			c.logger.Warn("controller: truncation check failed", slog.String("path", path), slog.Any("error", err))
		}
	}

	if n := src.CarryLen(); n > source.TrashHoldWarnSize {
		c.logger.Warn("controller: unterminated log item unusually large, check the separator",
			slog.String("path", path),
			slog.String("size", humanize.IBytes(uint64(n))))
	}
}

// dispatch runs one extracted item through every rule attached to its
// source: the size-action fires on raw byte growth regardless of whether
// the item matches anything; the up-action only evaluates the pattern when
// the rule has one configured and the item is non-empty.
func (c *Controller) dispatch(src *source.Source, line string) {
	pos, err := src.Position()
	if err != nil {
		pos = 0
	}

	for _, rule := range src.Rules() {
		if rule.SizeAction != "" && pos > 0 && rule.SizeExceeded(uint64(pos)) {
			c.queue.PushItem(actionqueue.Item{Command: rule.SizeAction, RuleName: rule.Name, Kind: "size"})
		}

		if rule.UpAction == "" || line == "" {
			continue
		}
		caps, matched := rule.Match(line)
		if !matched {
			continue
		}
		rule.Record(caps[0], time.Now())
		if rule.UpBoundExceeded(caps[0]) {
			cmd := monitor.Preprocess(rule.UpAction, line, caps)
			c.queue.PushItem(actionqueue.Item{Command: cmd, RuleName: rule.Name, Kind: "up"})
		}
	}
}

// Rules returns a snapshot of every rule in the active generation. It backs
// both the sweeper's periodic scan and the introspection endpoint.
func (c *Controller) Rules() []*monitor.Rule {
	gen := c.activeGeneration()
	if gen == nil {
		return nil
	}
	out := make([]*monitor.Rule, len(gen.allRules))
	copy(out, gen.allRules)
	return out
}

// DownCommand returns r's down-action verbatim: there is no matched line or
// capture set to substitute from when a rule has gone silent, so the
// template is enqueued as written.
func (c *Controller) DownCommand(r *monitor.Rule) string {
	return r.DownAction
}

// Generation returns the active configuration generation's UUID, used to
// correlate log lines and introspection responses across reloads.
func (c *Controller) Generation() uuid.UUID {
	gen := c.activeGeneration()
	if gen == nil {
		return uuid.Nil
	}
	return gen.id
}

// StartedAt reports when the Controller was constructed.
func (c *Controller) StartedAt() time.Time { return c.startedAt }

// SourceCount and RuleCount back the introspection endpoint's /healthz.
func (c *Controller) SourceCount() int {
	gen := c.activeGeneration()
	if gen == nil {
		return 0
	}
	return gen.reg.Len()
}

func (c *Controller) RuleCount() int {
	return len(c.Rules())
}

// Close stops the active listener and closes every source. The worker pool
// is stopped separately by the caller; nothing about Close implies the pool
// is done draining in-flight actions.
func (c *Controller) Close() error {
	gen := c.activeGeneration()
	if gen == nil {
		return nil
	}
	err := gen.lst.Close()
	for _, src := range gen.reg.All() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
