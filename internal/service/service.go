package service

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

	"github.com/audiolibrelab/sessionstate/internal/archive"
	"github.com/audiolibrelab/sessionstate/internal/audio"
	"github.com/audiolibrelab/sessionstate/internal/blob"
	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/encode"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/session"
)

// Service is the session façade used by the CLI and the control server.
type Service interface {
	// Session lifecycle
	Create(ctx context.Context, name, template string) error
	Open(ctx context.Context, name, snapshot string) error
	Close() error
	Current() *session.Session

	// Saving
	Save(ctx context.Context, snapshot string, switchTo bool) error
	SavePending(ctx context.Context) error

	// Asset management
	Cleanup(ctx context.Context) (session.CleanupReport, error)
	Archive(ctx context.Context, dest string, encodeMode string, upload bool) (*session.ArchiveResult, error)

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	Status() Status
	ListSessions() ([]SessionInfo, error)
	GetLastError() string
}

// SessionStatus is the coarse state reported to clients.
type SessionStatus string

const (
	StatusIdle   SessionStatus = "IDLE"
	StatusClean  SessionStatus = "CLEAN"
	StatusDirty  SessionStatus = "DIRTY"
	StatusFailed SessionStatus = "FAILED"
)

// Status describes the open session.
type Status struct {
	Status    SessionStatus `json:"status"`
	Name      string        `json:"name,omitempty"`
	Path      string        `json:"path,omitempty"`
	Snapshot  string        `json:"snapshot,omitempty"`
	Recovery  string        `json:"recovery,omitempty"`
	Sources   int           `json:"sources"`
	Regions   int           `json:"regions"`
	Playlists int           `json:"playlists"`
	Routes    int           `json:"routes"`
	Unnamed   bool          `json:"unnamed"`
	Writable  bool          `json:"writable"`
	LastError string        `json:"last_error,omitempty"`
}

// SessionInfo describes one session directory below the sessions directory.
type SessionInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Snapshots    []string  `json:"snapshots"`
	Pending      bool      `json:"pending"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
}

// SessionService is the main service implementation
type SessionService struct {
	cfg        *config.Config
	configFile string
	engine     audio.Engine
	prompter   session.Prompter

	mu      sync.RWMutex
	current *session.Session
	// stopButler ends the disk butler of the current session.
	stopButler context.CancelFunc

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service for cfg. A nil prompter answers every question
// without asking.
func New(cfg *config.Config, configFile string, prompter session.Prompter) Service {
	if prompter == nil {
		prompter = session.BatchPrompter{}
	}
	return &SessionService{
		cfg:        cfg,
		configFile: configFile,
		engine:     audio.NewEngine(cfg.Engine),
		prompter:   prompter,
	}
}

// options builds the session options for a session directory.
func (s *SessionService) options(ctx context.Context, name string) (session.Options, error) {
	opts := session.OptionsFromConfig(s.cfg, name)
	opts.Engine = s.engine
	opts.Prompter = s.prompter
	opts.Butler = audio.NewDiskButler(s.flushDisk)

	switch s.cfg.Archive.Encoder {
	case "", "ffmpeg":
		opts.Encoder = encode.NewFFmpeg()
	default:
		return opts, fmt.Errorf("%w: unknown encoder %q", session.ErrConfiguration, s.cfg.Archive.Encoder)
	}
	if s.cfg.Archive.S3.Bucket != "" {
		up, err := blob.NewS3Uploader(ctx, s.cfg.Archive.S3, nil)
		if err != nil {
			return opts, fmt.Errorf("archive upload: %w", err)
		}
		opts.Uploader = up
	}
	return opts, nil
}

// Create makes a new session and opens it.
func (s *SessionService) Create(ctx context.Context, name, template string) error {
	s.clearLastError()
	opts, err := s.options(ctx, name)
	if err != nil {
		return s.fail("create session", err)
	}
	opts.Template = template
	sess, err := session.New(ctx, opts)
	if err != nil {
		return s.fail("create session", err)
	}
	s.swap(sess, opts.Butler)
	return nil
}

// Open loads a session, closing the one open before.
func (s *SessionService) Open(ctx context.Context, name, snapshot string) error {
	slog.Debug("Service.Open called", "name", name, "snapshot", snapshot)
	s.clearLastError()
	opts, err := s.options(ctx, name)
	if err != nil {
		return s.fail("open session", err)
	}
	opts.Snapshot = snapshot
	sess, err := session.Open(ctx, opts)
	if err != nil {
		return s.fail("open session", err)
	}
	s.swap(sess, opts.Butler)
	return nil
}

// flushDisk is the butler pass: it refreshes free space on the storage
// roots of the current session.
func (s *SessionService) flushDisk(ctx context.Context) error {
	sess := s.Current()
	if sess == nil {
		return nil
	}
	return sess.RefreshDiskSpace(ctx)
}

func (s *SessionService) swap(sess *session.Session, butler audio.Butler) {
	ctx, cancel := context.WithCancel(context.Background())
	if b, ok := butler.(*audio.DiskButler); ok {
		b.Start(ctx)
	}

	s.mu.Lock()
	old, stop := s.current, s.stopButler
	s.current = sess
	s.stopButler = cancel
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("Failed to close previous session", "error", err)
		}
	}
}

func (s *SessionService) Close() error {
	s.mu.Lock()
	old, stop := s.current, s.stopButler
	s.current = nil
	s.stopButler = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if old == nil {
		return nil
	}
	return old.Close()
}

// Current returns the open session or nil.
func (s *SessionService) Current() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ErrNoSession is returned by operations that need an open session.
var ErrNoSession = errors.New("no session open")

func (s *SessionService) require() (*session.Session, error) {
	sess := s.Current()
	if sess == nil {
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *SessionService) Save(ctx context.Context, snapshot string, switchTo bool) error {
	sess, err := s.require()
	if err != nil {
		return s.fail("save", err)
	}
	if err := sess.Save(ctx, session.SaveOptions{Snapshot: snapshot, SwitchTo: switchTo}); err != nil {
		return s.fail("save", err)
	}
	s.clearLastError()
	return nil
}

// SavePending writes the crash-recovery file of the current snapshot.
func (s *SessionService) SavePending(ctx context.Context) error {
	sess, err := s.require()
	if err != nil {
		return s.fail("pending save", err)
	}
	if err := sess.Save(ctx, session.SaveOptions{Pending: true}); err != nil {
		return s.fail("pending save", err)
	}
	return nil
}

func (s *SessionService) Cleanup(ctx context.Context) (session.CleanupReport, error) {
	sess, err := s.require()
	if err != nil {
		return session.CleanupReport{}, s.fail("cleanup", err)
	}
	rep, err := sess.CleanupSources(ctx)
	if err != nil {
		return rep, s.fail("cleanup", err)
	}
	return rep, nil
}

// Archive writes the current snapshot to dest with the configured
// compression.
func (s *SessionService) Archive(ctx context.Context, dest string, encodeMode string, upload bool) (*session.ArchiveResult, error) {
	sess, err := s.require()
	if err != nil {
		return nil, s.fail("archive", err)
	}
	level, err := archive.ParseCompression(s.cfg.Archive.Compression)
	if err != nil {
		return nil, s.fail("archive", fmt.Errorf("%w: %w", session.ErrConfiguration, err))
	}
	mode, err := encode.ParseMode(encodeMode)
	if err != nil {
		return nil, s.fail("archive", fmt.Errorf("%w: %w", session.ErrConfiguration, err))
	}
	res, err := sess.Archive(ctx, session.ArchiveOptions{
		Dest:        dest,
		Encode:      mode,
		Compression: level,
		Upload:      upload,
	})
	if err != nil {
		return res, s.fail("archive", err)
	}
	return res, nil
}

// LoadProfile loads a new configuration profile. The open session keeps
// the options it was opened with.
func (s *SessionService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.cfg = newCfg
	s.engine = audio.NewEngine(newCfg.Engine)
	return nil
}

// GetConfig returns the current configuration
func (s *SessionService) GetConfig() *config.Config {
	return s.cfg
}

func (s *SessionService) Status() Status {
	st := Status{Status: StatusIdle, LastError: s.GetLastError()}
	sess := s.Current()
	if sess == nil {
		if st.LastError != "" {
			st.Status = StatusFailed
		}
		return st
	}
	g := sess.Graph()
	st.Name = sess.Name()
	st.Path = sess.Dir().Root
	st.Snapshot = sess.Snapshot()
	st.Recovery = sess.RecoveryState().String()
	st.Sources = g.Sources.Len()
	st.Regions = g.Regions.Len()
	st.Playlists = g.Playlists.Len()
	st.Routes = len(g.Routes)
	st.Unnamed = sess.Unnamed()
	st.Writable = sess.Writable()
	st.Status = StatusClean
	if sess.Dirty() {
		st.Status = StatusDirty
	}
	return st
}

// ListSessions returns the sessions in the sessions directory, newest first.
func (s *SessionService) ListSessions() ([]SessionInfo, error) {
	base := s.cfg.Session.Directory
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []SessionInfo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := layout.NewDir(filepath.Join(base, e.Name()), e.Name())
		snapshots, err := dir.Snapshots()
		if err != nil || len(snapshots) == 0 {
			continue
		}
		info, err := os.Stat(dir.StatePath(e.Name()))
		if err != nil {
			info, err = e.Info()
			if err != nil {
				slog.Warn("Failed to get session info", "session", e.Name(), "error", err)
				continue
			}
		}
		sessions = append(sessions, SessionInfo{
			Name:         e.Name(),
			Path:         dir.Root,
			Snapshots:    snapshots,
			Pending:      dir.PendingPresent(e.Name()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ModTime.After(sessions[j].ModTime)
	})
	return sessions, nil
}

func (s *SessionService) fail(op string, err error) error {
	slog.Error("Service operation failed", "operation", op, "error", err)
	s.setLastError(fmt.Sprintf("Failed to %s: %v", op, err))
	return err
}

func (s *SessionService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *SessionService) setLastError(msg string) {
	s.lastErrorMutex.Lock()
	s.lastError = msg
	s.lastErrorMutex.Unlock()
}

func (s *SessionService) clearLastError() {
	s.lastErrorMutex.Lock()
	s.lastError = ""
	s.lastErrorMutex.Unlock()
}
