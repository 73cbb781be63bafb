// Package retention trims each session's patch journal down to the
// configured number of newest entries, on a cron schedule or on demand
// from the admin endpoint.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"patchcast/pkg/config"
	"patchcast/pkg/journal"
	"patchcast/pkg/logger"
	"patchcast/pkg/state"
)

var storedCfg *config.RetentionConfig

// SetConfig stores the retention config so admin triggers can invoke
// runs on-demand.
func SetConfig(cfg config.RetentionConfig) {
	c := cfg
	storedCfg = &c
}

// RunImmediate triggers a single retention run using the stored config
// and returns how many journal entries were removed.
func RunImmediate() (int, error) {
	if storedCfg == nil {
		return 0, fmt.Errorf("no retention config registered")
	}
	if state.PathsVar.Retention == "" {
		return 0, fmt.Errorf("state paths not initialized")
	}
	return runOnce(context.Background(), *storedCfg, state.PathsVar.Retention)
}

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig) (context.CancelFunc, error) {
	SetConfig(cfg)

	// if retention is not enabled, return no-op cancel
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	// map empty cron to default daily @02:00
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	retentionPath := state.PathsVar.Retention
	if err := os.MkdirAll(retentionPath, 0o700); err != nil {
		logger.Error("retention_path_create_failed", "path", retentionPath, "error", err)
		return nil, err
	}

	logger.Info("retention_enabled", "cron", cronExpr, "keep", cfg.Keep, "path", retentionPath)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, retentionPath, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, retentionPath, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := runOnce(ctx, cfg, retentionPath); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// runOnce trims every journaled session down to cfg.Keep newest entries
// and records the run. Paused or dry-run configs report what would be
// removed without deleting.
func runOnce(ctx context.Context, cfg config.RetentionConfig, retentionPath string) (int, error) {
	if cfg.Paused {
		logger.Info("retention_paused")
		return 0, nil
	}
	keep := cfg.Keep
	if keep <= 0 {
		keep = 1000
	}
	if !journal.Ready() {
		return 0, fmt.Errorf("journal not open")
	}

	sessions, err := journal.Sessions()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sid := range sessions {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		last, err := journal.LastSeq(sid)
		if err != nil {
			logger.Warn("retention_lastseq_failed", "session", sid, "error", err)
			continue
		}
		if last <= uint64(keep) {
			continue
		}
		minSeq := last - uint64(keep) + 1
		if cfg.DryRun {
			n, _ := journal.Count(sid)
			logger.Info("retention_dry_run", "session", sid, "would_trim_below", minSeq, "entries", n)
			continue
		}
		n, err := journal.TrimBefore(sid, minSeq)
		if err != nil {
			logger.Error("retention_trim_failed", "session", sid, "error", err)
			continue
		}
		removed += n
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	_ = os.WriteFile(filepath.Join(retentionPath, "last_run"), []byte(stamp+"\n"), 0o600)
	logger.Info("retention_run_complete", "removed", removed, "sessions", len(sessions))
	return removed, nil
}
