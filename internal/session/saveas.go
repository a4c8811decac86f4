package session

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/metrics"
	"github.com/audiolibrelab/sessionstate/internal/model"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

type SaveAsOptions struct {
	NewParentDir string
	NewName      string
	// SwitchTo keeps working in the copy. Otherwise the live session is
	// left as it was.
	SwitchTo bool
	// IncludeMedia false writes the copy as an empty session.
	IncludeMedia bool
	// CopyMedia copies audio files; MIDI is copied whenever media is
	// included.
	CopyMedia bool
	// CopyExternal brings sources from outside the session into the copy.
	CopyExternal bool
	Progress     layout.Progress
}

// skipOnCopy lists suffixes that are never copied by SaveAs.
var skipOnCopy = []string{
	layout.StateSuffix,
	layout.PendingSuffix,
	layout.BackupSuffix,
	layout.TempSuffix,
	layout.HistorySuffix,
}

// copyFilter selects the non-media files of a session root.
func copyFilter(copyMedia bool) layout.Filter {
	return func(rel string, d fs.DirEntry) bool {
		top, _, _ := strings.Cut(rel, "/")
		switch top {
		case layout.InterchangeDir, layout.DeadDir:
			return false
		case layout.AnalysisDir, layout.PeakDir:
			if !copyMedia {
				return false
			}
		case layout.ExternalsDir:
			if path.Base(rel) == "registry.db" {
				return false
			}
		}
		if d.IsDir() {
			return true
		}
		if rel == layout.UnnamedMarker {
			return false
		}
		for _, suffix := range skipOnCopy {
			if strings.HasSuffix(rel, suffix) {
				return false
			}
		}
		return true
	}
}

type savedFields struct {
	dir      layout.Dir
	snapshot string
	name     string
	roots    []string
	options  *model.Options
	sources  map[*model.Source]sourceFields
	dirty    bool
}

type sourceFields struct {
	path   string
	name   string
	within bool
}

// SaveAs copies the session to NewParentDir/NewName. A failed or cancelled
// copy removes the new directory and leaves the live session untouched.
func (s *Session) SaveAs(ctx context.Context, o SaveAsOptions) (newRoot string, err error) {
	defer func() { metrics.Operation("save-as", err) }()

	legal := layout.LegalizeForPath(strings.TrimSpace(o.NewName))
	if legal == "" || o.NewParentDir == "" {
		return "", fmt.Errorf("%w: save-as needs a parent directory and a name", ErrConfiguration)
	}
	newRoot, err = filepath.Abs(filepath.Join(o.NewParentDir, legal))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if exists(newRoot) {
		return "", fmt.Errorf("%w: %s", ErrNameCollision, newRoot)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.holdSaves(ctx)()

	g := s.Graph()
	old := s.capture(g)
	newDir := layout.NewDir(newRoot, o.NewName)

	restore := func() {
		s.saveMu.Lock()
		s.restore(g, old)
		s.saveMu.Unlock()
	}
	defer func() {
		if err != nil {
			restore()
			if rmErr := os.RemoveAll(newRoot); rmErr != nil {
				slog.Warn("Could not remove partial copy", "path", newRoot, "error", rmErr)
			}
		}
	}()

	if err = newDir.EnsureSubdirs(); err != nil {
		return "", err
	}
	if err = layout.CopyTree(ctx, old.dir.Root, newRoot, copyFilter(o.CopyMedia), o.Progress); err != nil {
		return "", err
	}

	internalAudio := 0
	if o.IncludeMedia {
		for _, root := range old.roots {
			from := layout.NewDir(root, old.dir.Name)
			if n, err := countFiles(from.SoundPath()); err == nil {
				internalAudio += n
			}
			if exists(from.MIDIPath()) {
				if err = layout.CopyTree(ctx, from.MIDIPath(), newDir.MIDIPath(), nil, nil); err != nil {
					return "", err
				}
			}
			if o.CopyMedia && exists(from.SoundPath()) {
				if err = layout.CopyTree(ctx, from.SoundPath(), newDir.SoundPath(), nil, o.Progress); err != nil {
					return "", err
				}
			}
		}
	}

	s.saveMu.Lock()
	g.Name = o.NewName
	s.mu.Lock()
	s.dir = newDir
	s.snapshot = o.NewName
	reg := s.externals
	s.externals = nil
	s.mu.Unlock()
	if o.IncludeMedia && !o.CopyMedia && internalAudio > 0 {
		for _, root := range old.roots {
			g.Options.AppendSearchPath(model.OptAudioSearchPath, layout.NewDir(root, old.dir.Name).SoundPath())
		}
	}
	if o.IncludeMedia {
		for _, root := range old.roots {
			from := layout.NewDir(root, old.dir.Name)
			rewriteSourcePaths(g, from.MIDIPath(), newDir.MIDIPath())
			if o.CopyMedia {
				rewriteSourcePaths(g, from.SoundPath(), newDir.SoundPath())
			}
		}
	}
	s.saveMu.Unlock()

	// the copy gets its own external file registry
	defer func() {
		if err != nil || !o.SwitchTo {
			s.mu.Lock()
			if s.externals != nil {
				_ = s.externals.Close()
			}
			s.externals = reg
			s.mu.Unlock()
			return
		}
		if reg != nil {
			_ = reg.Close()
		}
	}()
	if err = s.openExternals(newDir); err != nil {
		return "", err
	}

	if o.IncludeMedia && o.CopyMedia && o.CopyExternal {
		if err = s.bringExternalsIn(ctx, g, newDir); err != nil {
			return "", err
		}
	}
	if err = ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	s.roots.Reset([]string{newRoot})
	s.policy.SetDir(newDir)
	if !o.IncludeMedia {
		s.mu.Lock()
		s.dirty = false
		s.mu.Unlock()
	}
	if err = s.save(ctx, SaveOptions{Template: !o.IncludeMedia}); err != nil {
		return "", err
	}

	if !o.SwitchTo {
		restore()
		slog.Info("Session copied", "from", old.dir.Root, "to", newRoot)
		return newRoot, nil
	}
	slog.Info("Switched to session copy", "from", old.dir.Root, "to", newRoot)
	return newRoot, nil
}

func (s *Session) capture(g *state.Graph) savedFields {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := savedFields{
		dir:      s.dir,
		snapshot: s.snapshot,
		name:     g.Name,
		roots:    s.roots.Paths(),
		options:  g.Options.Clone(),
		sources:  map[*model.Source]sourceFields{},
		dirty:    s.dirty,
	}
	for _, src := range g.Sources.Snapshot().All() {
		f.sources[src] = sourceFields{path: src.Path, name: src.Name, within: src.WithinSession}
	}
	return f
}

func (s *Session) restore(g *state.Graph, f savedFields) {
	g.Name = f.name
	g.Options = f.options
	for src, sf := range f.sources {
		src.Path, src.Name, src.WithinSession = sf.path, sf.name, sf.within
	}
	s.mu.Lock()
	s.dir = f.dir
	s.snapshot = f.snapshot
	s.dirty = f.dirty
	s.mu.Unlock()
	s.roots.Reset(f.roots)
	s.policy.SetDir(f.dir)
}

// bringExternalsIn copies sources living outside the session into the
// media directories of dir and makes them within-session sources.
func (s *Session) bringExternalsIn(ctx context.Context, g *state.Graph, dir layout.Dir) error {
	for _, src := range g.Sources.Snapshot().All() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if src.WithinSession || src.Path == "" || src.Silent {
			continue
		}
		target := dir.SoundPath()
		if src.Type == model.MIDI {
			target = dir.MIDIPath()
		}
		dst := uniquePath(filepath.Join(target, filepath.Base(src.Path)))
		if err := layout.CopyFile(src.Path, dst); err != nil {
			return fmt.Errorf("%w: copy external %s: %w", ErrIO, src.Path, err)
		}
		s.saveMu.Lock()
		src.Path = dst
		src.Name = filepath.Base(dst)
		src.WithinSession = true
		s.saveMu.Unlock()
		slog.Debug("External source copied into session", "source", src.ID, "path", dst)
	}
	return nil
}

// uniquePath appends -N before the extension until p is unused.
func uniquePath(p string) string {
	if !exists(p) {
		return p
	}
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for n := 1; ; n++ {
		c := fmt.Sprintf("%s-%d%s", stem, n, ext)
		if !exists(c) {
			return c
		}
	}
}

func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() {
			n++
		}
	}
	return n, nil
}
