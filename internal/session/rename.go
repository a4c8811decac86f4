package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/metrics"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

// Rename gives the session a new name. Every storage root is checked for
// collisions before anything is moved.
func (s *Session) Rename(ctx context.Context, newName string) (err error) {
	defer func() { metrics.Operation("rename", err) }()

	newName = strings.TrimSpace(newName)
	if newName == "" || layout.LegalizeForPath(newName) != newName {
		return fmt.Errorf("%w: %q is not a usable session name", ErrConfiguration, newName)
	}
	if !s.Writable() {
		return ErrReadOnly
	}
	if s.opts.Engine != nil && s.opts.Engine.Recording() {
		return ErrRecording
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.holdSaves(ctx)()

	oldDir := s.Dir()
	oldSnapshot := s.Snapshot()
	if newName == oldDir.Name {
		return nil
	}
	roots := s.roots.Paths()

	renameRoot := filepath.Base(oldDir.Root) == oldDir.Name
	newRoot := oldDir.Root
	if renameRoot {
		newRoot = filepath.Join(filepath.Dir(oldDir.Root), newName)
	}

	for _, root := range roots {
		if to := layout.NewDir(root, newName).SourcesRoot(); exists(to) {
			return fmt.Errorf("%w: %s", ErrNameCollision, to)
		}
	}
	if to := layout.NewDir(oldDir.Root, newName).StatePath(newName); exists(to) {
		return fmt.Errorf("%w: %s", ErrNameCollision, to)
	}
	if renameRoot && exists(newRoot) {
		return fmt.Errorf("%w: %s", ErrNameCollision, newRoot)
	}

	// media directories first, while the session root still has its old name
	for _, root := range roots {
		from := layout.NewDir(root, oldDir.Name).SourcesRoot()
		to := layout.NewDir(root, newName).SourcesRoot()
		if !exists(from) {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("%w: rename %s: %w", ErrIO, from, err)
		}
		slog.Debug("Renamed media directory", "from", from, "to", to)
	}

	tmpDir := layout.NewDir(oldDir.Root, newName)
	moves := [][2]string{
		{oldDir.StatePath(oldSnapshot), tmpDir.StatePath(newName)},
		{oldDir.HistoryPath(oldSnapshot), tmpDir.HistoryPath(newName)},
	}
	for _, m := range moves {
		if !exists(m[0]) {
			continue
		}
		if err := os.Rename(m[0], m[1]); err != nil {
			return fmt.Errorf("%w: rename %s: %w", ErrIO, m[0], err)
		}
	}
	if err := removeIfExists(oldDir.PendingPath(oldSnapshot)); err != nil {
		return err
	}

	if renameRoot {
		// the externals database lives below the root
		s.mu.Lock()
		reg := s.externals
		s.externals = nil
		s.mu.Unlock()
		if reg != nil {
			_ = reg.Close()
		}
		if err := os.Rename(oldDir.Root, newRoot); err != nil {
			return fmt.Errorf("%w: rename %s: %w", ErrIO, oldDir.Root, err)
		}
		if reg != nil {
			if err := s.openExternals(layout.NewDir(newRoot, newName)); err != nil {
				return err
			}
		}
	}

	newRoots := make([]string, len(roots))
	copy(newRoots, roots)
	newRoots[0] = newRoot
	newDir := layout.NewDir(newRoot, newName)

	s.saveMu.Lock()
	g := s.Graph()
	for i := range roots {
		rewriteSourcePaths(g,
			layout.NewDir(roots[i], oldDir.Name).SourcesRoot(),
			layout.NewDir(newRoots[i], newName).SourcesRoot())
	}
	g.Name = newName
	s.mu.Lock()
	s.dir = newDir
	s.snapshot = newName
	s.mu.Unlock()
	s.saveMu.Unlock()

	s.roots.Reset(newRoots)
	s.policy.SetDir(newDir)

	if err := s.save(ctx, SaveOptions{}); err != nil {
		return err
	}
	if err := newDir.ClearUnnamed(); err != nil {
		return err
	}
	slog.Info("Session renamed", "from", oldDir.Name, "to", newName, "path", newRoot)
	return nil
}

// rewriteSourcePaths moves the paths of within-session sources below from
// to the same place below to.
func rewriteSourcePaths(g *state.Graph, from, to string) {
	prefix := from + string(filepath.Separator)
	for _, src := range g.Sources.Snapshot().All() {
		if !src.WithinSession || !strings.HasPrefix(src.Path, prefix) {
			continue
		}
		src.Path = filepath.Join(to, strings.TrimPrefix(src.Path, prefix))
	}
}

// RemoveState deletes a snapshot that is neither current nor the main one.
// A copy is kept as <snapshot>.session.bak.
func (s *Session) RemoveState(snapshot string) (err error) {
	defer func() { metrics.Operation("remove-state", err) }()
	if !s.Writable() {
		return ErrReadOnly
	}
	dir := s.Dir()
	if snapshot == "" || snapshot == s.Snapshot() || snapshot == dir.Name {
		return fmt.Errorf("%w: cannot remove current or main snapshot %q", ErrConfiguration, snapshot)
	}
	path := dir.StatePath(snapshot)
	if !exists(path) {
		return fmt.Errorf("%w: snapshot %s", ErrMissingAsset, snapshot)
	}
	if err := layout.CopyFile(path, path+layout.BackupSuffix); err != nil {
		return fmt.Errorf("%w: backup %s: %w", ErrIO, path, err)
	}
	if err := removeIfExists(path); err != nil {
		return err
	}
	if err := removeIfExists(dir.HistoryPath(snapshot)); err != nil {
		return err
	}
	slog.Info("Snapshot removed", "snapshot", snapshot)
	return nil
}

// RenameState renames a snapshot other than the current one.
func (s *Session) RenameState(oldName, newName string) (err error) {
	defer func() { metrics.Operation("rename-state", err) }()
	if !s.Writable() {
		return ErrReadOnly
	}
	if oldName == s.Snapshot() {
		return fmt.Errorf("%w: cannot rename the current snapshot", ErrConfiguration)
	}
	if newName == "" || layout.LegalizeForPath(newName) != newName {
		return fmt.Errorf("%w: %q is not a usable snapshot name", ErrConfiguration, newName)
	}
	dir := s.Dir()
	from, to := dir.StatePath(oldName), dir.StatePath(newName)
	if !exists(from) {
		return fmt.Errorf("%w: snapshot %s", ErrMissingAsset, oldName)
	}
	if exists(to) {
		return fmt.Errorf("%w: snapshot %s", ErrNameCollision, newName)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrIO, from, err)
	}
	if hf := dir.HistoryPath(oldName); exists(hf) {
		if err := os.Rename(hf, dir.HistoryPath(newName)); err != nil {
			return fmt.Errorf("%w: rename %s: %w", ErrIO, hf, err)
		}
	}
	slog.Info("Snapshot renamed", "from", oldName, "to", newName)
	return nil
}
