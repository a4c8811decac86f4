// Package session owns one open session: its graph, directory layout and
// the lifecycle operations that save, load, copy and clean it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/sessionstate/internal/audio"
	"github.com/audiolibrelab/sessionstate/internal/blob"
	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/encode"
	"github.com/audiolibrelab/sessionstate/internal/externals"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/model"
	"github.com/audiolibrelab/sessionstate/internal/peaks"
	"github.com/audiolibrelab/sessionstate/internal/recovery"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

const defaultPeakWait = 5 * time.Second

// Options configures New and Open.
type Options struct {
	// Root is the session directory. Name defaults to its base name and
	// Snapshot to Name.
	Root     string
	Name     string
	Snapshot string

	SampleRate          int
	StorageRoots        []string
	DiskThresholdBlocks uint64

	Engine   audio.Engine
	Butler   audio.Butler
	Prompter Prompter
	Controls state.Controls
	Bundles  state.Bundles
	Encoder  encode.Encoder
	Uploader blob.Uploader

	SaveHistory     bool
	HistoryDepth    int
	PeriodicBackups bool

	ProgramName    string
	ProgramVersion string

	ReadOnly bool
	// Unnamed marks a session created without a user-chosen name.
	Unnamed bool
	// Template is a template file New builds the session from.
	Template string

	Now func() time.Time
}

// OptionsFromConfig fills the config driven part of Options for a session
// at root. A relative root is taken relative to the sessions directory.
func OptionsFromConfig(cfg *config.Config, root string) Options {
	if !filepath.IsAbs(root) && cfg.Session.Directory != "" {
		root = filepath.Join(cfg.Session.Directory, root)
	}
	return Options{
		Root:                root,
		SampleRate:          cfg.Engine.SampleRate,
		StorageRoots:        cfg.Session.StorageRoots,
		DiskThresholdBlocks: cfg.Session.DiskThresholdBlocks,
		SaveHistory:         cfg.Session.SaveHistoryEnabled(),
		HistoryDepth:        cfg.Session.HistoryDepth,
		PeriodicBackups:     cfg.Session.PeriodicBackupsEnabled(),
		ProgramName:         cfg.Session.ProgramName,
	}
}

// Session is one open session.
type Session struct {
	opts Options

	// saveMu serializes writers of session documents.
	saveMu sync.Mutex
	// opMu admits one lifecycle operation at a time.
	opMu sync.Mutex
	// peakMu guards peak cleanup, which is tried rather than waited for.
	peakMu sync.Mutex

	mu        sync.Mutex
	graph     *state.Graph
	dir       layout.Dir
	snapshot  string
	history   *model.History
	peaks     *peaks.Tracker
	externals *externals.Registry
	writable  bool
	dirty     bool
	suspended int
	deferred  bool
	listeners []func(snapshot string)

	roots    *layout.Roots
	policy   *recovery.Policy
	peakWait time.Duration
}

func newSession(opts Options) (*Session, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: session directory not set", ErrConfiguration)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(root)
	}
	if opts.Snapshot == "" {
		opts.Snapshot = opts.Name
	}
	if opts.Prompter == nil {
		opts.Prompter = BatchPrompter{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProgramName == "" {
		opts.ProgramName = "sessionstate"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 48000
		if opts.Engine != nil && opts.Engine.SampleRate() > 0 {
			opts.SampleRate = opts.Engine.SampleRate()
		}
	}

	dir := layout.NewDir(root, opts.Name)
	s := &Session{
		opts:     opts,
		dir:      dir,
		snapshot: opts.Snapshot,
		history:  model.NewHistory(),
		peaks:    peaks.NewTracker(),
		writable: !opts.ReadOnly,
		roots:    layout.NewRoots(append([]string{root}, opts.StorageRoots...), opts.DiskThresholdBlocks),
		policy:   recovery.NewPolicy(dir, opts.Prompter),
		peakWait: defaultPeakWait,
	}
	return s, nil
}

// New creates a session directory tree and saves its first snapshot.
func New(ctx context.Context, opts Options) (*Session, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.dir.StatePath(s.snapshot)); err == nil {
		return nil, fmt.Errorf("%w: session %s already exists in %s", ErrNameCollision, s.snapshot, s.dir.Root)
	}
	if err := s.dir.EnsureSubdirs(); err != nil {
		return nil, err
	}
	if opts.Unnamed {
		if err := s.dir.MarkUnnamed(); err != nil {
			return nil, err
		}
	}

	var g *state.Graph
	if opts.Template != "" {
		if g, err = s.fromTemplate(ctx, opts.Template); err != nil {
			return nil, err
		}
	} else {
		g = state.NewGraph(s.dir.Name, s.opts.SampleRate)
		g.AddRoute(model.NewMaster(g.NewID()))
	}
	g.Program.CreatedWith = s.programString()
	s.graph = g

	if err := s.openExternals(s.dir); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, SaveOptions{}); err != nil {
		s.Close()
		return nil, err
	}
	slog.Info("Session created", "name", s.dir.Name, "path", s.dir.Root)
	return s, nil
}

// fromTemplate builds the initial graph from a template file and copies
// the template's plugin state next to the new session.
func (s *Session) fromTemplate(ctx context.Context, path string) (*state.Graph, error) {
	root, err := document.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read template %s: %w", ErrIO, path, err)
	}
	env := s.env()
	env.Rates = nil
	g, err := state.Deserialize(ctx, root, env)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}
	g.Name = s.dir.Name
	g.SampleRate = s.opts.SampleRate

	plugins := filepath.Join(filepath.Dir(path), layout.PluginsDir)
	if _, err := os.Stat(plugins); err == nil {
		if err := layout.CopyTree(ctx, plugins, s.dir.PluginsPath(), nil, nil); err != nil {
			return nil, err
		}
	}
	slog.Debug("Session built from template", "template", path)
	return g, nil
}

// Open loads the snapshot named in opts.
func Open(ctx context.Context, opts Options) (*Session, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	if !exists(s.dir.StatePath(s.snapshot)) && !s.dir.PendingPresent(s.snapshot) {
		return nil, fmt.Errorf("%w: no snapshot %s in %s", ErrMissingAsset, s.snapshot, s.dir.Root)
	}
	if s.writable {
		if err := s.dir.EnsureSubdirs(); err != nil {
			return nil, err
		}
		if err := s.openExternals(s.dir); err != nil {
			return nil, err
		}
	}
	if err := s.Load(ctx, s.snapshot); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) openExternals(dir layout.Dir) error {
	reg, err := externals.Open(dir.ExternalsPath())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	s.mu.Lock()
	s.externals = reg
	s.mu.Unlock()
	return nil
}

// Close releases open files. The session must not be used afterwards.
func (s *Session) Close() error {
	s.peaks.CloseAll()
	s.mu.Lock()
	reg := s.externals
	s.externals = nil
	s.mu.Unlock()
	if reg != nil {
		return reg.Close()
	}
	return nil
}

func (s *Session) env() *state.Env {
	env := &state.Env{
		Dir:            s.dir,
		Roots:          s.roots.Paths(),
		ProgramName:    s.opts.ProgramName,
		ProgramVersion: s.opts.ProgramVersion,
		Prompter:       s.opts.Prompter,
		Controls:       s.opts.Controls,
		Bundles:        s.opts.Bundles,
		Now:            s.opts.Now,
	}
	if s.opts.Engine != nil {
		env.Engine = s.opts.Engine
		env.Rates = &recovery.RateNegotiator{Engine: s.opts.Engine, Prompter: s.opts.Prompter}
	}
	return env
}

func (s *Session) programString() string {
	if s.opts.ProgramVersion == "" {
		return s.opts.ProgramName
	}
	return s.opts.ProgramName + " " + s.opts.ProgramVersion
}

// Graph returns the live session graph.
func (s *Session) Graph() *state.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

func (s *Session) Dir() layout.Dir {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *Session) Name() string {
	return s.Dir().Name
}

// Snapshot is the name of the current snapshot.
func (s *Session) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Session) Roots() []string {
	return s.roots.Paths()
}

// RefreshDiskSpace measures free space on every storage root.
func (s *Session) RefreshDiskSpace(ctx context.Context) error {
	return s.roots.Refresh(ctx)
}

// MediaDirForNewFile returns the directory a new capture file of type t
// is written to, spreading new files over the storage roots.
func (s *Session) MediaDirForNewFile(ctx context.Context, t model.DataType) (string, error) {
	if err := s.roots.Refresh(ctx); err != nil {
		return "", err
	}
	root := s.roots.BestForNewFile()
	d := layout.NewDir(root, s.Name())
	dir := d.SoundPath()
	if t == model.MIDI {
		dir = d.MIDIPath()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
	}
	return dir, nil
}

// Snapshots lists every snapshot of the session.
func (s *Session) Snapshots() ([]string, error) {
	return s.Dir().Snapshots()
}

func (s *Session) History() *model.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

func (s *Session) RecoveryState() recovery.State {
	return s.policy.State()
}

func (s *Session) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Session) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Unnamed reports whether the session still carries the unnamed marker.
func (s *Session) Unnamed() bool {
	return s.Dir().IsUnnamed()
}

// OnStateSaved registers fn to run after every completed save of the
// current snapshot. fn runs without any session lock held.
func (s *Session) OnStateSaved(fn func(snapshot string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Peaks is the tracker of peak files being written.
func (s *Session) Peaks() *peaks.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peaks
}

// Externals lists media recorded as living outside the session tree.
func (s *Session) Externals(ctx context.Context) ([]externals.File, error) {
	s.mu.Lock()
	reg := s.externals
	s.mu.Unlock()
	if reg == nil {
		return nil, nil
	}
	return reg.List(ctx)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, path, err)
	}
	return nil
}
