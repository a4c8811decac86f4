package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/externals"
	"github.com/audiolibrelab/sessionstate/internal/ids"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/metrics"
	"github.com/audiolibrelab/sessionstate/internal/model"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

// SaveOptions selects what Save writes. The zero value saves the current
// snapshot.
type SaveOptions struct {
	// Snapshot names the snapshot to write; empty means the current one.
	Snapshot string
	// Pending writes the crash-recovery file instead of the snapshot.
	Pending bool
	// SwitchTo makes a new Snapshot the current one.
	SwitchTo bool
	Template bool

	ForArchive     bool
	OnlyUsedAssets bool
}

func (o SaveOptions) mode() string {
	switch {
	case o.Pending:
		return "pending"
	case o.Template:
		return "template"
	case o.Snapshot != "":
		return "snapshot"
	}
	return "normal"
}

// Save writes a snapshot document. While saves are suspended the request
// is remembered and runs once when they resume.
func (s *Session) Save(ctx context.Context, o SaveOptions) (err error) {
	s.mu.Lock()
	if !s.writable {
		s.mu.Unlock()
		return ErrReadOnly
	}
	if s.suspended > 0 {
		s.deferred = true
		s.mu.Unlock()
		metrics.DeferredSaves.Inc()
		slog.Debug("Save deferred while saves are suspended")
		return nil
	}
	s.mu.Unlock()
	return s.save(ctx, o)
}

// save writes regardless of suspension. Lifecycle operations use it for
// their own documents while outside saves are held back.
func (s *Session) save(ctx context.Context, o SaveOptions) (err error) {
	s.mu.Lock()
	if !s.writable {
		s.mu.Unlock()
		return ErrReadOnly
	}
	current := s.snapshot
	s.mu.Unlock()

	mode := o.mode()
	if o.Snapshot == "" {
		o.Snapshot = current
	}
	if o.SwitchTo && (o.Snapshot == current || o.Pending || o.Template || o.ForArchive) {
		return fmt.Errorf("%w: switching needs a new snapshot name and a plain save", ErrConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	start := time.Now()
	defer func() { metrics.ObserveSave(mode, start, err) }()

	s.saveMu.Lock()
	err = s.write(ctx, o, current)
	s.saveMu.Unlock()
	if err != nil {
		slog.Error("Save failed", "snapshot", o.Snapshot, "error", err)
		return err
	}

	if o.Pending || o.Template || (o.Snapshot != current && !o.SwitchTo) {
		return nil
	}

	s.mu.Lock()
	s.snapshot = o.Snapshot
	s.dirty = false
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(o.Snapshot)
	}
	slog.Info("Session saved", "snapshot", o.Snapshot, "duration", time.Since(start))
	return nil
}

// write runs with saveMu held.
func (s *Session) write(ctx context.Context, o SaveOptions, current string) error {
	g := s.Graph()
	dir := s.Dir()

	transition := state.NormalSave
	if o.Snapshot != current {
		transition = state.SnapshotKeep
		if o.SwitchTo {
			transition = state.SwitchToSnapshot
		}
	}

	g.Program.ModifiedWith = s.programString()
	if g.Program.CreatedWith == "" {
		g.Program.CreatedWith = g.Program.ModifiedWith
	}
	doc, flushErr := state.Serialize(g, state.Options{
		Template:       o.Template,
		ForArchive:     o.ForArchive,
		OnlyUsedAssets: o.OnlyUsedAssets,
		Transition:     transition,
	})
	if flushErr != nil {
		// the document is still complete
		slog.Warn("Some sources could not be flushed", "error", flushErr)
	}
	data, err := document.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode session document: %w", err)
	}

	target := dir.StatePath(o.Snapshot)
	if o.Pending {
		target = dir.PendingPath(o.Snapshot)
	}
	if !o.Pending && !o.Template {
		if path, err := dir.SaveBackup(o.Snapshot, s.opts.Now()); err != nil {
			slog.Warn("Could not back up previous session document", "snapshot", o.Snapshot, "error", err)
		} else if path != "" {
			slog.Debug("Previous session document kept", "path", path)
		}
	}
	if err := layout.AtomicWrite(target, data); err != nil {
		return err
	}
	slog.Debug("Session document written", "path", target, "bytes", len(data))

	if o.Pending {
		if s.opts.PeriodicBackups {
			if path, err := dir.PeriodicBackup(o.Snapshot, s.opts.Now()); err != nil {
				slog.Warn("Periodic backup failed", "error", err)
			} else {
				slog.Debug("Periodic backup written", "path", path)
			}
		}
		return nil
	}
	if o.Template {
		return nil
	}

	if s.opts.SaveHistory {
		if err := s.writeHistory(dir, o.Snapshot); err != nil {
			slog.Warn("Could not save history", "snapshot", o.Snapshot, "error", err)
		}
	}
	if err := removeIfExists(dir.PendingPath(o.Snapshot)); err != nil {
		return err
	}
	if err := s.recordExternals(ctx, g); err != nil {
		slog.Warn("Could not update external file registry", "error", err)
	}
	return nil
}

func (s *Session) writeHistory(dir layout.Dir, snapshot string) error {
	data, err := document.Marshal(s.History().State(s.opts.HistoryDepth))
	if err != nil {
		return err
	}
	return layout.AtomicWrite(dir.HistoryPath(snapshot), data)
}

// restoreHistory loads the history saved next to snapshot. A missing or
// unreadable file leaves an empty history.
func (s *Session) restoreHistory(g *state.Graph, snapshot string) {
	h := model.NewHistory()
	defer func() {
		s.mu.Lock()
		s.history = h
		s.mu.Unlock()
	}()
	if !s.opts.SaveHistory {
		return
	}
	path := s.Dir().HistoryPath(snapshot)
	root, err := document.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Could not read history", "path", path, "error", err)
		}
		return
	}
	restored, err := model.HistoryFromState(root, func(id ids.ID) bool {
		src, ok := g.Sources.ByID(id)
		return ok && src.Type == model.MIDI
	})
	if err != nil {
		slog.Warn("Could not restore history", "path", path, "error", err)
		return
	}
	h = restored
}

// recordExternals keeps the external file registry in step with the
// sources that live outside the session tree.
func (s *Session) recordExternals(ctx context.Context, g *state.Graph) error {
	s.mu.Lock()
	reg := s.externals
	s.mu.Unlock()
	if reg == nil {
		return nil
	}
	keep := map[string]bool{}
	for id, src := range g.Sources.Snapshot().All() {
		if src.WithinSession || src.Path == "" || src.Silent {
			continue
		}
		f := externals.File{SourceID: id.String(), Path: src.Path, Type: string(src.Type)}
		if info, err := os.Stat(src.Path); err == nil {
			f.Size = info.Size()
		}
		if err := reg.Record(ctx, f); err != nil {
			return err
		}
		keep[f.SourceID] = true
	}
	_, err := reg.Forget(ctx, keep)
	return err
}

// holdSaves suspends saves for the length of a lifecycle operation. The
// returned func resumes them and runs a save requested in between.
func (s *Session) holdSaves(ctx context.Context) func() {
	s.SuspendSaves()
	return func() {
		if err := s.ResumeSaves(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Deferred save failed", "error", err)
		}
	}
}

// SuspendSaves holds back saves until the matching ResumeSaves.
func (s *Session) SuspendSaves() {
	s.mu.Lock()
	s.suspended++
	s.mu.Unlock()
}

// ResumeSaves ends one suspension. When the last one ends and a save was
// requested meanwhile, a single save of the current snapshot runs.
func (s *Session) ResumeSaves(ctx context.Context) error {
	s.mu.Lock()
	if s.suspended > 0 {
		s.suspended--
	}
	run := s.suspended == 0 && s.deferred
	if run {
		s.deferred = false
	}
	s.mu.Unlock()
	if !run {
		return nil
	}
	slog.Debug("Running deferred save")
	return s.Save(ctx, SaveOptions{})
}
