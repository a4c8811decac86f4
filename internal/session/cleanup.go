package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/metrics"
		"github.com/audiolibrelab/sessionstate/internal/peaks"
)

// maxDeadVersions bounds the .N suffixes tried for a file moved to dead/.
const maxDeadVersions = 999

// CleanupReport lists what a cleanup removed.
type CleanupReport struct {
	Paths            []string
	Bytes            int64
	DeletedPlaylists int
	// Aborted is set when the user stopped cleanup at the playlist prompt.
	Aborted bool
}

// CleanupSources moves media files no snapshot uses into dead/. Sources
// unused by the current snapshot are dropped from the live session even
// when another snapshot still keeps their files.
func (s *Session) CleanupSources(ctx context.Context) (rep CleanupReport, err error) {
	defer func() { metrics.Operation("cleanup-sources", err) }()
	if !s.Writable() {
		return rep, ErrReadOnly
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.holdSaves(ctx)()

	if b := s.opts.Butler; b != nil {
		b.Summon()
		if err := b.WaitUntilFinished(ctx); err != nil {
			return rep, fmt.Errorf("flush disk buffers: %w", err)
		}
	}

	g := s.Graph()
	dir := s.Dir()

	// the user is asked without holding the save lock
	aborted, drop := g.Playlists.DecideUnused(g.PlaylistsInUse(), s.opts.Prompter.PlaylistDeletion)
	if aborted {
		slog.Info("Cleanup stopped at playlist prompt")
		rep.Aborted = true
		return rep, nil
	}

	s.saveMu.Lock()
	rep.DeletedPlaylists = len(g.Playlists.Delete(drop))
	g.Regions.RemoveUnused(g.Compounds)
	uses := g.SourceUsesAll()
	used := map[string]bool{}
	for id, src := range g.Sources.Snapshot().All() {
		if uses[id] > 0 && src.Path != "" {
			used[canonical(src.Path)] = true
		}
	}
	dropped := g.Sources.RemoveUnused(uses, g.Regions)
	s.saveMu.Unlock()
	for _, src := range dropped {
		slog.Debug("Dropped unused source", "source", src.ID, "name", src.Name)
	}

	var candidates []string
	for _, root := range s.roots.Paths() {
		d := layout.NewDir(root, dir.Name)
		for _, mediaDir := range d.MediaDirs() {
			files, err := regularFiles(mediaDir)
			if err != nil {
				return rep, err
			}
			candidates = append(candidates, files...)
		}
	}

	usedNames, err := s.sourcesOfOtherSnapshots(ctx, dir)
	if err != nil {
		return rep, err
	}

	var unused []string
	for _, c := range candidates {
		if used[canonical(c)] || usedNames[filepath.Base(c)] {
			continue
		}
		unused = append(unused, c)
	}

	var moveErrs *multierror.Error
	for _, p := range unused {
		if err := ctx.Err(); err != nil {
			moveErrs = multierror.Append(moveErrs, err)
			break
		}
		info, err := os.Stat(p)
		if err != nil {
			moveErrs = multierror.Append(moveErrs, err)
			continue
		}
		dead, err := moveToDead(p)
		if err != nil {
			slog.Error("Cannot move unused file to dead", "path", p, "error", err)
			moveErrs = multierror.Append(moveErrs, err)
			continue
		}
		rep.Paths = append(rep.Paths, p)
		rep.Bytes += info.Size()
		slog.Debug("Moved unused file", "from", p, "to", dead)

		peak := peaks.PeakPath(dir.PeakPath(), p, 0)
		if err := os.Remove(peak); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Cannot remove peak file", "path", peak, "error", err)
		}
	}

	s.History().Clear()
	metrics.CleanupBytes.WithLabelValues("sources").Add(float64(rep.Bytes))
	if err := s.save(ctx, SaveOptions{}); err != nil {
		return rep, err
	}
	slog.Info("Cleanup finished", "files", len(rep.Paths), "bytes", rep.Bytes, "deleted_playlists", rep.DeletedPlaylists)
	return rep, moveErrs.ErrorOrNil()
}

// sourcesOfOtherSnapshots reads every other snapshot document of the
// session and returns the names of the within-session sources they list.
func (s *Session) sourcesOfOtherSnapshots(ctx context.Context, dir layout.Dir) (map[string]bool, error) {
	files, err := dir.StateFiles()
	if err != nil {
		return nil, err
	}
	current := dir.StatePath(s.Snapshot())

	var mu sync.Mutex
	names := map[string]bool{}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, f := range files {
		if f == current {
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			root, err := document.ReadFile(f)
			if err != nil {
				return fmt.Errorf("%w: read snapshot %s: %w", ErrIO, f, err)
			}
			found := snapshotSourceNames(root)
			mu.Lock()
			for n := range found {
				names[n] = true
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return names, nil
}

// snapshotSourceNames collects source names from the Sources section and
// from sources nested in regions. Absolute names are files outside the
// session and never cleanup candidates.
func snapshotSourceNames(root *document.Node) map[string]bool {
	names := map[string]bool{}
	var walk func(n *document.Node)
	walk = func(n *document.Node) {
		for _, c := range n.Children() {
			if c.Name() == "Source" {
				if name, ok := c.Property("name"); ok && name != "" && !filepath.IsAbs(name) {
					names[filepath.Base(name)] = true
				}
			}
			walk(c)
		}
	}
	walk(root)
	return names
}

// moveToDead renames p into the dead directory of its session root,
// appending .N when the name is taken.
func moveToDead(p string) (string, error) {
	// <root>/interchange/<name>/<kind>/<file>
	root := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(p))))
	deadDir := filepath.Join(root, layout.DeadDir)
	if err := os.MkdirAll(deadDir, 0755); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, deadDir, err)
	}
	dst := filepath.Join(deadDir, filepath.Base(p))
	if exists(dst) {
		found := false
		for v := 1; v <= maxDeadVersions; v++ {
			c := fmt.Sprintf("%s.%d", dst, v)
			if !exists(c) {
				dst, found = c, true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("%w: too many files named like %s in dead", ErrIO, filepath.Base(p))
		}
	}
	if err := os.Rename(p, dst); err != nil {
		return "", fmt.Errorf("%w: move %s: %w", ErrIO, p, err)
	}
	return dst, nil
}

// CleanupTrashSources deletes everything in the dead directories.
func (s *Session) CleanupTrashSources(ctx context.Context) (rep CleanupReport, err error) {
	defer func() { metrics.Operation("cleanup-trash", err) }()
	if !s.Writable() {
		return rep, ErrReadOnly
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var errs *multierror.Error
	for _, root := range s.roots.Paths() {
		files, err := regularFiles(filepath.Join(root, layout.DeadDir))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return rep, fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			info, err := os.Stat(f)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if err := os.Remove(f); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%w: remove %s: %w", ErrIO, f, err))
				continue
			}
			rep.Paths = append(rep.Paths, f)
			rep.Bytes += info.Size()
		}
	}
	metrics.CleanupBytes.WithLabelValues("trash").Add(float64(rep.Bytes))
	slog.Info("Trash emptied", "files", len(rep.Paths), "bytes", rep.Bytes)
	return rep, errs.ErrorOrNil()
}

// CleanupPeakfiles removes every peak file once no peak writer is active.
// It gives up with ErrBusy when writers are still running after the wait.
func (s *Session) CleanupPeakfiles(ctx context.Context) (err error) {
	defer func() { metrics.Operation("cleanup-peaks", err) }()
	if !s.peakMu.TryLock() {
		return fmt.Errorf("%w: peak cleanup already running", ErrBusy)
	}
	defer s.peakMu.Unlock()

	tracker := s.Peaks()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = s.peakWait
	err = backoff.Retry(func() error {
		if n := tracker.InFlight(); n > 0 {
			return fmt.Errorf("%d peak writers active", n)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: peak files are being written, try again later", ErrBusy)
	}

	tracker.CloseAll()
	peakDir := s.Dir().PeakPath()
	files, err := regularFiles(peakDir)
	if err != nil {
		return err
	}
	var removed int64
	for _, f := range files {
		if info, err := os.Stat(f); err == nil {
			removed += info.Size()
		}
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("%w: remove %s: %w", ErrIO, f, err)
		}
	}

	s.mu.Lock()
	s.peaks = peaks.NewTracker()
	s.mu.Unlock()
	metrics.CleanupBytes.WithLabelValues("peaks").Add(float64(removed))
	slog.Info("Peak files removed", "files", len(files))
	return nil
}

// regularFiles lists the regular files directly in dir, sorted. A missing
// dir has no files.
func regularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %w", ErrIO, dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func canonical(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}
