// Package gc implements the Garbage Collector: a periodic
// sweep that reaps idle stateful sessions and unlinks orphaned workspace
// directories whose expiry window has passed.
//
// A start/stop goroutine around a periodic loop, logging a summary each
// pass, scheduled via robfig/cron/v3 (cronParser and Schedule.Next) rather than a
// bare time.Ticker, so operators configure GC cadence the same way other
// background jobs in this codebase are scheduled.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/notfolder/mcpo-bridge/internal/audit"
	"github.com/notfolder/mcpo-bridge/internal/config"
	"github.com/notfolder/mcpo-bridge/internal/ledger"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/metrics"
	"github.com/notfolder/mcpo-bridge/internal/registry"
	"github.com/notfolder/mcpo-bridge/internal/workspace"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DefaultSchedule is a sane default cadence: every minute.
const DefaultSchedule = "*/1 * * * *"

// Collector runs the periodic reap sweep.
type Collector struct {
	jobs     *workspace.Manager
	registry *registry.Registry
	ledger   *ledger.Store // optional; nil disables ledger cross-checks
	catalog  *config.Catalog
	fileTTL  time.Duration
	cronExpr string
	schedule cron.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Collector. cronExpr is a standard 5-field cron
// expression; an invalid expression falls back to DefaultSchedule. fileTTL
// is the advertised download-URL expiry window (a workspace's
// lifetime invariant): a workspace directory is only eligible for the
// filesystem sweep once it is both unreferenced by any live session and
// older than fileTTL.
func New(jobs *workspace.Manager, reg *registry.Registry, led *ledger.Store, catalog *config.Catalog, cronExpr string, fileTTL time.Duration) *Collector {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		cronExpr = DefaultSchedule
		sched, _ = cronParser.Parse(DefaultSchedule)
	}
	return &Collector{jobs: jobs, registry: reg, ledger: led, catalog: catalog, fileTTL: fileTTL, cronExpr: cronExpr, schedule: sched}
}

// Start begins the periodic sweep loop in a background goroutine.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		next := c.schedule.Next(time.Now())
		for {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				c.sweep()
				next = c.schedule.Next(time.Now())
			}
		}
	}()

	logger.Slog().Info("gc: started", "schedule", c.cronExpr)
}

// Stop halts the sweep loop and waits for any in-flight sweep to finish.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

// sweep performs one GC pass: reap idle sessions, then unlink orphaned
// workspace directories. A directory is a reclaim candidate if its mtime is
// past fileTTL or the ledger independently marks it expired (the ledger
// survives a bridge restart that would otherwise lose the mtime-based
// trail); either way, a candidate still referenced by a live session is
// skipped.
func (c *Collector) sweep() {
	now := time.Now()

	reclaimed := c.registry.Reap(now, func(server string) time.Duration {
		spec := c.catalog.Lookup(server)
		if spec == nil {
			return 0
		}
		return spec.IdleTimeout
	})
	for _, id := range reclaimed {
		c.reclaimWorkspace(id)
	}

	cutoff := now.Add(-c.fileTTL)
	expired, err := c.jobs.ListExpired(cutoff)
	if err != nil {
		logger.Slog().Warn("gc: scan workspace root failed", "error", err)
		return
	}

	candidates := make(map[string]struct{}, len(expired))
	for _, id := range expired {
		candidates[id] = struct{}{}
	}
	if c.ledger != nil {
		ledgerExpired, err := c.ledger.ExpiredWorkspaces(now)
		if err != nil {
			logger.Slog().Warn("gc: ledger scan failed", "error", err)
		}
		for _, id := range ledgerExpired {
			candidates[id] = struct{}{}
		}
	}

	live := c.registry.LiveWorkspaceIDs()
	for id := range candidates {
		if _, ok := live[id]; ok {
			continue // still referenced by an acquired session; its mtime is stale but it is not orphaned
		}
		c.reclaimWorkspace(id)
	}
}

// reclaimWorkspace removes a workspace directory. Callers must have already
// excluded any id in the registry's LiveWorkspaceIDs; reclaimWorkspace
// itself performs no further liveness check.
func (c *Collector) reclaimWorkspace(id string) {
	if err := c.jobs.Remove(id); err != nil {
		logger.Slog().Warn("gc: failed to remove workspace", "workspace_id", id, "error", err)
		return
	}
	if c.ledger != nil {
		_ = c.ledger.Forget(id)
	}
	metrics.RecordWorkspaceReclaimed()
	audit.LogSuccess(audit.OpWorkspaceReclaimed, "", "")
}
