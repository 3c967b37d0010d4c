package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Returned when today's archive directory already exists. Nothing has
// been modified when this is returned.
var ErrArchiveExists = errors.New("archive already exists")

type Outcome string

const (
	OutcomeNoOp      Outcome = "no-op"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeChanged   Outcome = "changed"
	OutcomeRecovered Outcome = "recovered"
	OutcomeError     Outcome = "error"
)

type Paths struct {
	// Holds one candidate snapshot directory per ingestion date.
	Staging string

	// The active snapshot.
	Active string

	// Superseded snapshots are moved here as GTFS_<date>.
	Archive string

	// Manifest of the active snapshot.
	Manifest string
}

// Rebuilds whatever derives from the active snapshot. Called after
// each promotion.
type Reprocessor interface {
	Reprocess(ctx context.Context, activeDir string) error
}

type ReprocessorFunc func(ctx context.Context, activeDir string) error

func (f ReprocessorFunc) Reprocess(ctx context.Context, activeDir string) error {
	return f(ctx, activeDir)
}

type Recovery string

const (
	RecoveryNone          Recovery = ""
	RecoveryRolledBack    Recovery = "rolled-back"
	RecoveryRolledForward Recovery = "rolled-forward"
)

// Returned by Recover when an interrupted promotion was completed but
// reprocessing the active snapshot failed. The promotion stands.
type ReprocessError struct {
	Err error
}

func (e *ReprocessError) Error() string {
	return fmt.Sprintf("reprocessing after recovery: %v", e.Err)
}

func (e *ReprocessError) Unwrap() error {
	return e.Err
}

type CheckResult struct {
	Outcome Outcome

	// Candidate snapshot considered, if any.
	Candidate string

	// Required files whose hash changed.
	Changed []string

	// Where the previous active snapshot went. Empty unless
	// promoted with an existing active snapshot.
	Archive string

	// Manifests compared.
	Old Manifest
	New Manifest

	// Action taken on an interrupted promotion found at start.
	Recovery Recovery

	// Reprocessing failure. Doesn't undo the promotion.
	ReprocessErr error
}

type VersionManager struct {
	Paths     Paths
	Reprocess Reprocessor
	Logger    *slog.Logger

	// Clock for archive naming.
	Now func() time.Time
}

func NewVersionManager(paths Paths, reprocess Reprocessor, logger *slog.Logger) *VersionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionManager{
		Paths:     paths,
		Reprocess: reprocess,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (vm *VersionManager) stagingDir() string {
	return filepath.Clean(vm.Paths.Active) + ".staging"
}

func (vm *VersionManager) markerPath() string {
	return vm.Paths.Manifest + ".promoting"
}

// Path today's archive would have.
func (vm *VersionManager) ArchivePath() string {
	return filepath.Join(vm.Paths.Archive, "GTFS_"+vm.Now().Format("2006-01-02"))
}

// Lexicographically greatest directory under the staging area, or ""
// if there is none.
func (vm *VersionManager) LatestCandidate() (string, error) {
	entries, err := os.ReadDir(vm.Paths.Staging)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", pkgerrors.Wrapf(err, "listing %s", vm.Paths.Staging)
	}

	latest := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() > latest {
			latest = e.Name()
		}
	}

	if latest == "" {
		return "", nil
	}
	return filepath.Join(vm.Paths.Staging, latest), nil
}

// Compares the latest candidate against the active snapshot and
// promotes it if any required file changed.
func (vm *VersionManager) Check(ctx context.Context) (*CheckResult, error) {
	recovery, err := vm.Recover(ctx)
	var reprocessErr *ReprocessError
	if errors.As(err, &reprocessErr) {
		err = nil
	}
	if err != nil {
		return &CheckResult{Outcome: OutcomeError}, err
	}

	result, err := vm.check(ctx)
	if result == nil {
		result = &CheckResult{}
	}
	result.Recovery = recovery
	if reprocessErr != nil && result.ReprocessErr == nil && result.Outcome != OutcomeChanged {
		result.ReprocessErr = reprocessErr
	}
	if err != nil {
		result.Outcome = OutcomeError
		return result, err
	}

	if recovery != RecoveryNone && result.Outcome != OutcomeChanged {
		result.Outcome = OutcomeRecovered
	}

	return result, nil
}

func (vm *VersionManager) check(ctx context.Context) (*CheckResult, error) {
	candidate, err := vm.LatestCandidate()
	if err != nil {
		return nil, err
	}
	if candidate == "" {
		vm.Logger.Info("no candidate snapshots", "staging", vm.Paths.Staging)
		return &CheckResult{Outcome: OutcomeNoOp}, nil
	}

	newManifest, err := Fingerprint(candidate)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "fingerprinting candidate")
	}
	oldManifest, err := Fingerprint(vm.Paths.Active)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "fingerprinting active snapshot")
	}

	result := &CheckResult{
		Candidate: candidate,
		Old:       oldManifest,
		New:       newManifest,
		Changed:   oldManifest.Changed(newManifest),
	}

	if !newManifest.Complete() {
		vm.Logger.Warn("candidate snapshot incomplete", "candidate", candidate, "files", len(newManifest))
	}

	if len(result.Changed) == 0 {
		vm.Logger.Info("no changes in static schedule", "candidate", candidate)
		result.Outcome = OutcomeUnchanged
		return result, nil
	}

	for _, name := range result.Changed {
		vm.Logger.Info("change detected", "file", name, "candidate", candidate)
	}

	archive, err := vm.promote(candidate, newManifest)
	if err != nil {
		return result, err
	}
	result.Archive = archive
	result.Outcome = OutcomeChanged

	if diff, err := DiffManifests(oldManifest, newManifest, "active", filepath.Base(candidate)); err == nil {
		vm.Logger.Debug("manifest diff", "diff", diff)
	}

	vm.Logger.Info("promoted snapshot", "candidate", candidate, "archive", archive, "changed", result.Changed)

	result.ReprocessErr = vm.reprocess(ctx)

	return result, nil
}

func (vm *VersionManager) reprocess(ctx context.Context) error {
	if vm.Reprocess == nil {
		return nil
	}
	err := vm.Reprocess.Reprocess(ctx, vm.Paths.Active)
	if err != nil {
		vm.Logger.Error("reprocessing failed", "active", vm.Paths.Active, "error", err)
	}
	return err
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stages the candidate next to the active snapshot, then swaps it in
// by rename. A marker file brackets the swap so an interrupted
// promotion can be finished or undone by Recover.
func (vm *VersionManager) promote(candidate string, manifest Manifest) (string, error) {
	staging := vm.stagingDir()

	activeExists, err := exists(vm.Paths.Active)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "checking %s", vm.Paths.Active)
	}

	archive := ""
	if activeExists {
		archive = vm.ArchivePath()
		archiveExists, err := exists(archive)
		if err != nil {
			return "", pkgerrors.Wrapf(err, "checking %s", archive)
		}
		if archiveExists {
			return "", fmt.Errorf("%w: %s", ErrArchiveExists, archive)
		}
	}

	// Leftover from a copy that never got as far as the marker.
	if err := os.RemoveAll(staging); err != nil {
		return "", pkgerrors.Wrapf(err, "removing stale %s", staging)
	}

	if err := copyDir(candidate, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	if err := writeMarker(vm.markerPath(), archive, candidate); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	if activeExists {
		if err := os.MkdirAll(vm.Paths.Archive, 0755); err != nil {
			return "", pkgerrors.Wrapf(err, "creating %s", vm.Paths.Archive)
		}
		if err := os.Rename(vm.Paths.Active, archive); err != nil {
			return "", pkgerrors.Wrapf(err, "archiving %s", vm.Paths.Active)
		}
	} else if err := os.MkdirAll(filepath.Dir(filepath.Clean(vm.Paths.Active)), 0755); err != nil {
		return "", pkgerrors.Wrapf(err, "creating parent of %s", vm.Paths.Active)
	}

	if err := os.Rename(staging, vm.Paths.Active); err != nil {
		return "", pkgerrors.Wrapf(err, "activating %s", staging)
	}

	if err := WriteManifest(vm.Paths.Manifest, manifest); err != nil {
		return "", err
	}

	if err := os.Remove(vm.markerPath()); err != nil {
		return "", pkgerrors.Wrap(err, "removing promotion marker")
	}

	return archive, nil
}

// Resolves a promotion interrupted by a crash, if the marker says
// there was one.
//
// A *ReprocessError is returned along with RecoveryRolledForward if
// the completed promotion couldn't be reprocessed.
//
// While the active snapshot is still in place the staged copy is
// discarded. Once it has been moved the promotion is completed and
// the active snapshot reprocessed.
func (vm *VersionManager) Recover(ctx context.Context) (Recovery, error) {
	marker := vm.markerPath()
	archive, candidate, err := readMarker(marker)
	if os.IsNotExist(pkgerrors.Cause(err)) {
		return RecoveryNone, nil
	}
	if err != nil {
		return RecoveryNone, err
	}

	staging := vm.stagingDir()
	activeExists, err := exists(vm.Paths.Active)
	if err != nil {
		return RecoveryNone, err
	}
	stagingExists, err := exists(staging)
	if err != nil {
		return RecoveryNone, err
	}

	log := vm.Logger.With("candidate", candidate, "archive", archive)

	switch {
	case activeExists && stagingExists:
		log.Warn("rolling back interrupted promotion")
		if err := os.RemoveAll(staging); err != nil {
			return RecoveryNone, pkgerrors.Wrapf(err, "removing %s", staging)
		}
		if err := os.Remove(marker); err != nil {
			return RecoveryNone, pkgerrors.Wrap(err, "removing promotion marker")
		}
		return RecoveryRolledBack, nil

	case !activeExists && !stagingExists:
		return RecoveryNone, fmt.Errorf(
			"interrupted promotion of %s: neither %s nor %s exist",
			candidate, vm.Paths.Active, staging,
		)
	}

	log.Warn("rolling forward interrupted promotion")

	if !activeExists {
		if err := os.Rename(staging, vm.Paths.Active); err != nil {
			return RecoveryNone, pkgerrors.Wrapf(err, "activating %s", staging)
		}
	}

	manifest, err := Fingerprint(vm.Paths.Active)
	if err != nil {
		return RecoveryNone, err
	}
	if err := WriteManifest(vm.Paths.Manifest, manifest); err != nil {
		return RecoveryNone, err
	}
	if err := os.Remove(marker); err != nil {
		return RecoveryNone, pkgerrors.Wrap(err, "removing promotion marker")
	}

	if err := vm.reprocess(ctx); err != nil {
		return RecoveryRolledForward, &ReprocessError{Err: err}
	}

	return RecoveryRolledForward, nil
}

func writeMarker(path, archive, candidate string) error {
	data := fmt.Sprintf("archive=%s\ncandidate=%s\n", archive, candidate)
	return writeFileAtomic(path, []byte(data))
}

func readMarker(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", pkgerrors.Wrap(err, "opening promotion marker")
	}
	defer f.Close()

	var archive, candidate string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, _ := strings.Cut(scanner.Text(), "=")
		switch key {
		case "archive":
			archive = value
		case "candidate":
			candidate = value
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", pkgerrors.Wrap(err, "reading promotion marker")
	}

	return archive, candidate, nil
}

// Copies the regular files directly inside src into a new directory
// dst.
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return pkgerrors.Wrapf(err, "listing %s", src)
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return pkgerrors.Wrapf(err, "creating %s", dst)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return pkgerrors.Wrapf(err, "opening %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return pkgerrors.Wrapf(err, "stat %s", src)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return pkgerrors.Wrapf(err, "creating %s", dst)
	}

	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "copying %s", src)
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
