// Package worker runs the action-executing side of the engine: N workers
// draining the action queue through the host shell, plus one dedicated
// sweeper goroutine that periodically ages every rule's windows and fires
// down-bound actions for rules that have gone quiet. The pool outlives
// configuration reloads; only the rule set it sweeps changes.
package worker

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/lognot/lognotd/internal/actionqueue"
	"github.com/lognot/lognotd/internal/monitor"
)

// sweepInterval is how often the down-bound sweeper wakes.
const sweepInterval = 5 * time.Second

// History records the outcome of one executed action. Record is called
// synchronously on the worker's goroutine after each action and returns no
// error; internal/history's SQLite-backed Store implements it.
type History interface {
	Record(rec ActionRecord)
}

// ActionRecord describes one action the pool executed.
type ActionRecord struct {
	RuleName  string
	Kind      string // "up", "down", or "size"
	Command   string
	StartedAt time.Time
	Duration  time.Duration
	ExitCode  int
	Err       string
}

// RuleSource supplies the sweeper with the rules to check and the command
// to enqueue when one fires. The Controller implements this.
type RuleSource interface {
	// Rules returns a snapshot of every active rule.
	Rules() []*monitor.Rule
	// DownCommand materializes the down-action command for r.
	DownCommand(r *monitor.Rule) string
}

// Pool runs N command-executing workers plus one down-bound sweeper.
type Pool struct {
	logger  *slog.Logger
	queue   *actionqueue.Queue
	history History
	rules   RuleSource
	n       int

	// startedAt gates down-bound firing: a rule's silence only counts once
	// the pool has been running at least the rule's full window period, so
	// a freshly started daemon cannot alert on quiet it never had a chance
	// to observe.
	startedAt time.Time

	wg sync.WaitGroup
}

// New creates a Pool. history may be nil to disable action-history
// recording entirely.
func New(logger *slog.Logger, queue *actionqueue.Queue, rules RuleSource, history History, n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{logger: logger, queue: queue, history: history, rules: rules, n: n}
}

// Start launches the N workers and the sweeper. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.startedAt = time.Now()
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.wg.Add(1)
	go p.runSweeper(ctx)
}

// Stop closes the action queue (waking every blocked worker) and waits for
// all workers and the sweeper to exit. The sweeper exits via ctx
// cancellation, so ctx must already be done (or be done shortly) before
// Stop returns.
func (p *Pool) Stop() {
	p.queue.Close()
	p.wg.Wait()
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for {
		item, ok := p.queue.PopItem()
		if !ok {
			return
		}
		p.execute(id, item)
	}
}

// execute runs item's command via the host shell, equivalent to
// "sh -c <cmd>", with no timeout and no output capture beyond what gets
// logged: actions are fire-and-forget operator remediations, not
// instrumented subprocesses.
func (p *Pool) execute(workerID int, item actionqueue.Item) {
	cmd := item.Command
	start := time.Now()
	c := exec.Command("/bin/sh", "-c", cmd)
	err := c.Run()
	dur := time.Since(start)

	exitCode := 0
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.logger.Info("worker: action executed",
		slog.Int("worker", workerID),
		slog.String("command", cmd),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", dur),
	)
	if err != nil {
		p.logger.Warn("worker: action exited non-zero or failed to start",
			slog.String("command", cmd),
			slog.Any("error", err),
		)
	}

	if p.history != nil {
		p.history.Record(ActionRecord{
			RuleName:  item.RuleName,
			Kind:      item.Kind,
			Command:   cmd,
			StartedAt: start,
			Duration:  dur,
			ExitCode:  exitCode,
			Err:       errMsg,
		})
	}
}

func (p *Pool) runSweeper(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.sweep(now)
		}
	}
}

// sweep ages out stale window entries for every rule, then fires the
// down-action of any rule whose window has fallen below its bound, gated
// on the pool having been up at least that rule's full window period. The
// fired rule's down-window is reset so the same stretch of silence cannot
// re-fire on the very next pass.
func (p *Pool) sweep(now time.Time) {
	uptime := now.Sub(p.startedAt)
	for _, r := range p.rules.Rules() {
		r.Deprecate(now)

		if !r.DownBoundExceeded(uptime) {
			continue
		}

		cmd := p.rules.DownCommand(r)
		if cmd != "" {
			p.queue.PushItem(actionqueue.Item{Command: cmd, RuleName: r.Name, Kind: "down"})
		}
		r.ResetDown()
	}
}
