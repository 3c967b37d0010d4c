package gtfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"transitdelay.dev/gtfs/parse"
	"transitdelay.dev/gtfs/storage"
)

// Rebuilds everything derived from the active snapshot: the static
// tables, the stop distances and, optionally, whatever an external
// command produces. Used as the version manager's Reprocessor.
type StaticLoader struct {
	storage   storage.Storage
	distances *DistanceEngine
	logger    *slog.Logger

	// Parse the snapshot into storage.
	InProcess bool

	// Run after loading, with the snapshot directory appended.
	Command []string
}

func NewStaticLoader(s storage.Storage, distances *DistanceEngine, logger *slog.Logger) *StaticLoader {
	if logger == nil {
		logger = slog.Default()
	}
	if distances == nil {
		distances = NewDistanceEngine(s, logger)
	}
	return &StaticLoader{
		storage:   s,
		distances: distances,
		logger:    logger,
		InProcess: true,
	}
}

// Replaces the stored schedule with the snapshot in dir.
func (l *StaticLoader) Load(ctx context.Context, dir string) (*parse.StaticSummary, error) {
	writer, err := l.storage.GetWriter()
	if err != nil {
		return nil, fmt.Errorf("getting writer: %w", err)
	}

	summary, err := parse.ParseStatic(writer, dir)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", dir, err)
	}

	l.logger.Info(
		"loaded static schedule",
		"dir", dir,
		"routes", summary.Routes,
		"trips", summary.Trips,
		"stops", summary.Stops,
		"stop_times", summary.StopTimes,
	)

	return summary, nil
}

func (l *StaticLoader) Reprocess(ctx context.Context, activeDir string) error {
	if l.InProcess {
		if _, err := l.Load(ctx, activeDir); err != nil {
			return err
		}
		if _, err := l.distances.Recompute(ctx); err != nil {
			return err
		}
	}

	if len(l.Command) > 0 {
		l.runCommand(ctx, activeDir)
	}

	return nil
}

// Runs the external command. Its exit status is logged, nothing more.
func (l *StaticLoader) runCommand(ctx context.Context, activeDir string) {
	args := append(append([]string{}, l.Command[1:]...), activeDir)
	cmd := exec.CommandContext(ctx, l.Command[0], args...)
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		l.logger.Info("reprocess command finished", "command", l.Command[0], "exit_code", 0)
	case errors.As(err, &exitErr):
		l.logger.Warn("reprocess command failed", "command", l.Command[0], "exit_code", exitErr.ExitCode(), "output", string(out))
	default:
		l.logger.Warn("reprocess command failed to run", "command", l.Command[0], "error", err)
	}
}
