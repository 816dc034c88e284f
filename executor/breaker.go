package executor

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"

	"github.com/handoffd/handoff/worker"
)

// ErrBreakerOpen is the failure surfaced while the breaker cool-down runs.
var ErrBreakerOpen = errors.New("worker backend circuit breaker is open")

// BreakerConfig tunes the shared circuit breaker around the worker backend.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
	// Cooldown is how long tripped state lasts before a probe is allowed.
	Cooldown time.Duration
}

type breakerState struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Breaker wraps gobreaker with on-disk state so a trip survives restarts.
// Only transient and crashed worker failures count toward tripping; a
// permanent failure means the backend answered and the input was bad.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[string]
	dir    string
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	openUntil time.Time
}

// NewBreaker builds the breaker and restores a persisted open state that has
// not cooled down yet.
func NewBreaker(dir, name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}

	b := &Breaker{dir: dir, name: name, logger: logger}

	b.cb = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || worker.FailureClassOf(err) == worker.FailurePermanent
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("executor: circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
			b.persist(to)
		},
	})

	b.restore(cfg.Cooldown)
	return b
}

// Do runs fn through the breaker. While open, calls fail fast as permanent.
func (b *Breaker) Do(fn func() (string, error)) (string, error) {
	b.mu.Lock()
	restoredOpen := time.Now().Before(b.openUntil)
	b.mu.Unlock()
	if restoredOpen {
		return "", worker.Permanent(ErrBreakerOpen)
	}

	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", worker.Permanent(ErrBreakerOpen)
	}
	return result, err
}

func (b *Breaker) stateFile() string {
	return filepath.Join(b.dir, b.name+".json")
}

func (b *Breaker) persist(state gobreaker.State) {
	data, err := json.Marshal(breakerState{
		Name:                b.name,
		State:               state.String(),
		ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
		UpdatedAt:           time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := os.WriteFile(b.stateFile(), data, 0640); err != nil {
		b.logger.Warn("executor: failed to persist breaker state", "path", b.stateFile(), "error", err)
	}
}

func (b *Breaker) restore(cooldown time.Duration) {
	data, err := os.ReadFile(b.stateFile())
	if err != nil {
		return
	}
	var persisted breakerState
	if err := json.Unmarshal(data, &persisted); err != nil {
		b.logger.Warn("executor: ignoring corrupt breaker state", "path", b.stateFile(), "error", err)
		return
	}
	if persisted.State != gobreaker.StateOpen.String() {
		return
	}
	until := persisted.UpdatedAt.Add(cooldown)
	if time.Now().Before(until) {
		b.mu.Lock()
		b.openUntil = until
		b.mu.Unlock()
		b.logger.Warn("executor: restored open circuit breaker", "breaker", b.name, "open_until", until)
	}
}

// PruneBreakerFiles removes persisted breaker state older than maxAge and
// returns the number of files removed.
func PruneBreakerFiles(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read breaker state directory")
	}
	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}
