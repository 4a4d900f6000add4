// Package staging manages local scratch directories used while uploads and
// archive extractions are in flight, and sweeps the ones left behind by a
// crashed process.
package staging

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pkt.systems/pslog"
)

// Defaults for the janitor.
const (
	DefaultMaxAge        = 24 * time.Hour
	DefaultSweepSchedule = "@every 1h"
	stagePrefix          = "stage-"
)

// Area is a root directory holding stages.
type Area struct {
	root   string
	logger pslog.Logger
}

// New prepares root, creating it if needed. An empty root uses a
// "terminus-staging" directory under the system temp dir.
func New(root string, logger pslog.Logger) (*Area, error) {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "terminus-staging")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Area{root: root, logger: logger.With("component", "staging")}, nil
}

// Root returns the staging root directory.
func (a *Area) Root() string {
	return a.root
}

// Stage is one scratch directory.
type Stage struct {
	dir    string
	logger pslog.Logger
}

// NewStage creates a fresh stage. Callers must Remove it.
func (a *Area) NewStage() (*Stage, error) {
	dir, err := os.MkdirTemp(a.root, stagePrefix)
	if err != nil {
		return nil, fmt.Errorf("create stage: %w", err)
	}
	return &Stage{dir: dir, logger: a.logger}, nil
}

// Dir returns the stage directory.
func (s *Stage) Dir() string {
	return s.dir
}

// Path joins name below the stage, keeping only its base element.
func (s *Stage) Path(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "unnamed"
	}
	return filepath.Join(s.dir, base)
}

// Join places a slash separated relative path below the stage. Leading
// parent elements are dropped so the result never leaves the stage.
func (s *Stage) Join(rel string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path.Clean("/"+rel)))
}

// Remove deletes the stage and everything in it.
func (s *Stage) Remove() {
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("stage cleanup failed", "dir", s.dir, "err", err)
	}
}

// Sweep removes stage directories older than maxAge and returns how many
// were removed. Entries not created by the area are left alone.
func (a *Area) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("read staging root: %w", err)
	}
	removed := 0
	for _, ent := range entries {
		if !ent.IsDir() || !isStageName(ent.Name()) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		dir := filepath.Join(a.root, ent.Name())
		if err := os.RemoveAll(dir); err != nil {
			a.logger.Warn("stale stage removal failed", "dir", dir, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		a.logger.Info("stale stages removed", "count", removed)
	}
	return removed, nil
}

func isStageName(name string) bool {
	return strings.HasPrefix(name, stagePrefix) || strings.HasPrefix(name, "extract-")
}

// Janitor runs Sweep on a cron schedule.
type Janitor struct {
	area   *Area
	maxAge time.Duration
	cron   *cron.Cron
}

// NewJanitor schedules sweeps of area. An empty schedule uses
// DefaultSweepSchedule and a non-positive maxAge uses DefaultMaxAge.
func NewJanitor(area *Area, schedule string, maxAge time.Duration) (*Janitor, error) {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSweepSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	j := &Janitor{area: area, maxAge: maxAge, cron: cron.New()}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) run() {
	if _, err := j.area.Sweep(j.maxAge, time.Now()); err != nil {
		j.area.logger.Warn("staging sweep failed", "err", err)
	}
}

// Start sweeps once immediately, then on schedule.
func (j *Janitor) Start() {
	j.run()
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
