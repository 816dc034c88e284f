// Package contingency is the safety net around crashed processes: periodic
// database snapshots, reaping of RUNNING tasks whose worker is gone, and
// cleanup of stale circuit-breaker state.
package contingency

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/executor"
	"github.com/handoffd/handoff/internal/profile"
	"github.com/handoffd/handoff/server/broadcaster"
	"github.com/handoffd/handoff/store"
)

const (
	backupPrefix = "tasks_"
	backupSuffix = ".db"
	// maxBackups is how many snapshots survive pruning.
	maxBackups = 10
	// breakerStateMaxAge prunes persisted breaker files.
	breakerStateMaxAge = 7 * 24 * time.Hour
	// orphanGrace is how long a RUNNING task may sit without a recorded worker
	// pid before it is declared lost.
	orphanGrace = 5 * time.Minute
)

// Sweeper runs the periodic maintenance cycle.
type Sweeper struct {
	store   *store.Store
	profile *profile.Profile
	events  broadcaster.Sink
	logger  *slog.Logger
}

func NewSweeper(st *store.Store, p *profile.Profile, events broadcaster.Sink, logger *slog.Logger) *Sweeper {
	if events == nil {
		events = broadcaster.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, profile: p, events: events, logger: logger}
}

// Run sweeps once immediately, then on every tick until the context ends. The
// cycle in flight finishes before Run returns.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.profile.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("contingency: sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance cycle. Each step is independent; a failing
// step is logged and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.snapshotDatabase(ctx); err != nil {
		s.logger.Error("contingency: database snapshot failed", "error", err)
	}
	if err := s.reapDeadTasks(ctx); err != nil {
		s.logger.Error("contingency: reaping dead tasks failed", "error", err)
	}
	if pruned, err := executor.PruneBreakerFiles(s.profile.BreakersDir(), breakerStateMaxAge); err != nil {
		s.logger.Error("contingency: pruning breaker state failed", "error", err)
	} else if pruned > 0 {
		s.logger.Info("contingency: pruned breaker state files", "count", pruned)
	}
}

// snapshotDatabase checkpoints the WAL and copies the database file into the
// backup directory, keeping the most recent snapshots only.
func (s *Sweeper) snapshotDatabase(ctx context.Context) error {
	if err := s.store.GetDriver().Checkpoint(ctx); err != nil {
		return errors.Wrap(err, "failed to checkpoint database")
	}

	name := fmt.Sprintf("%s%s%s", backupPrefix, time.Now().UTC().Format("20060102_150405"), backupSuffix)
	target := filepath.Join(s.profile.BackupsDir(), name)
	if err := copyFile(s.profile.DSN, target); err != nil {
		return errors.Wrap(err, "failed to copy database file")
	}
	s.logger.Debug("contingency: database snapshot written", "path", target)

	return s.pruneBackups()
}

func (s *Sweeper) pruneBackups() error {
	entries, err := os.ReadDir(s.profile.BackupsDir())
	if err != nil {
		return errors.Wrap(err, "failed to read backup directory")
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), backupPrefix) && strings.HasSuffix(entry.Name(), backupSuffix) {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= maxBackups {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-maxBackups] {
		if err := os.Remove(filepath.Join(s.profile.BackupsDir(), name)); err != nil {
			s.logger.Warn("contingency: failed to remove old backup", "name", name, "error", err)
		}
	}
	return nil
}

// reapDeadTasks fails RUNNING tasks whose worker cannot be producing a result
// anymore: past the wall-clock timeout, owned by a dead process, or never
// stamped with a pid at all.
func (s *Sweeper) reapDeadTasks(ctx context.Context) error {
	running := store.TaskStatusRunning
	tasks, err := s.store.ListTasks(ctx, &store.FindTask{Status: &running})
	if err != nil {
		return errors.Wrap(err, "failed to list running tasks")
	}

	now := time.Now()
	for _, t := range tasks {
		if t.StartedTs == nil {
			continue
		}
		age := now.Sub(time.Unix(*t.StartedTs, 0))

		var reason string
		switch {
		case age > s.profile.TaskTimeout:
			reason = "exceeded timeout"
		case t.PID == nil && age > orphanGrace:
			reason = "executor crashed: no worker process recorded"
		case t.PID != nil && !processAlive(int(*t.PID)) && age > orphanGrace:
			reason = fmt.Sprintf("executor crashed: worker process %d is gone", *t.PID)
		default:
			continue
		}

		if _, err := s.store.FinalizeTask(ctx, t.ID, store.TaskStatusFailed, reason); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			s.logger.Error("contingency: failed to fail dead task", "task_id", t.ID, "error", err)
			continue
		}
		s.events.Publish(broadcaster.TaskEvent(broadcaster.EventTaskFailed, t.ID, map[string]any{
			"error_message": reason,
		}))
		s.logger.Warn("contingency: failed dead task", "task_id", t.ID, "reason", reason)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
