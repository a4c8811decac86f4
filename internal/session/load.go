package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/metrics"
	"github.com/audiolibrelab/sessionstate/internal/recovery"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

// Load replaces the live graph with snapshot. The old graph stays in place
// when loading fails.
func (s *Session) Load(ctx context.Context, snapshot string) (err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	defer func() { metrics.ObserveLoad(start, err) }()

	path, recovered, err := s.policy.Open(snapshot)
	if err != nil {
		return err
	}

	var g *state.Graph
	err = recovery.Guard(func() error {
		var err error
		g, err = s.loadGraph(ctx, snapshot, path)
		return err
	})
	if ferr := s.policy.Finish(err); ferr != nil {
		slog.Warn("Recovery state not updated", "error", ferr)
	}
	if err != nil {
		slog.Error("Session load failed", "snapshot", snapshot, "status", recovery.StatusCode(err), "error", err)
		return err
	}

	s.mu.Lock()
	s.graph = g
	s.snapshot = snapshot
	s.dirty = recovered
	s.mu.Unlock()
	s.restoreHistory(g, snapshot)

	for _, missing := range g.MissingFiles {
		slog.Warn("Source file missing, substituted", "path", missing)
	}
	slog.Info("Session loaded", "snapshot", snapshot, "path", path, "version", g.Version, "recovered", recovered)
	return nil
}

func (s *Session) loadGraph(ctx context.Context, snapshot, path string) (*state.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, path, err)
	}
	root, err := document.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrIO, path, err)
	}

	version, err := state.ParseVersion(root.PropertyOr("version", ""))
	if err != nil {
		return nil, fmt.Errorf("%s: bad version: %w", path, err)
	}
	if err := recovery.VersionGate(version, state.CurrentVersion); err != nil {
		return nil, err
	}
	if recovery.VersionMismatchNotice(version, state.CurrentVersion) {
		slog.Warn("Session was written in an older format and will be saved in the current one",
			"snapshot", snapshot, "version", version, "current", state.CurrentVersion)
	}
	if recovery.NeedsVersionBackup(version, state.CurrentVersion, s.Writable(), false) {
		s.versionBackup(snapshot, path, version)
	}

	if s.opts.Engine != nil {
		s.opts.Engine.Reset()
	}
	return state.Deserialize(ctx, root, s.env())
}

// versionBackup keeps the document as it was before the first save in the
// current format. An existing backup is never replaced.
func (s *Session) versionBackup(snapshot, path string, version int) {
	dir := s.Dir()
	dst := dir.VersionBackupPath(snapshot, version)
	if exists(dst) {
		return
	}
	if err := os.MkdirAll(dir.BackupPath(), 0755); err != nil {
		slog.Warn("Could not create backup directory", "error", err)
		return
	}
	if err := layout.CopyFile(path, dst); err != nil {
		slog.Warn("Could not back up older session file", "path", path, "error", err)
		return
	}
	slog.Info("Older session file backed up", "path", dst, "version", version)
}
