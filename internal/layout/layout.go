package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	StateSuffix    = ".session"
	PendingSuffix  = ".pending"
	BackupSuffix   = ".bak"
	TempSuffix     = ".tmp"
	HistorySuffix  = ".history"
	TemplateSuffix = ".template"
	PeakSuffix     = ".peak"
	UnnamedMarker  = ".unnamed"
)

const (
	InterchangeDir = "interchange"
	SoundDir       = "sources"
	MIDIDir        = "midifiles"
	PeakDir        = "peaks"
	DeadDir        = "dead"
	ExportDir      = "export"
	PluginsDir     = "plugins"
	ExternalsDir   = "externals"
	AnalysisDir    = "analysis"
	AutomationDir  = "automation"
	BackupDir      = "backup"
)

// ErrIO marks failures reading or writing session files.
var ErrIO = errors.New("session I/O error")

// Dir is one session root directory. The session's own root is where state
// files live; additional roots only hold media.
type Dir struct {
	Root string
	Name string
}

func NewDir(root, name string) Dir {
	return Dir{Root: filepath.Clean(root), Name: name}
}

// SourcesRoot is interchange/<name>, the parent of the media directories.
func (d Dir) SourcesRoot() string {
	return filepath.Join(d.Root, InterchangeDir, LegalizeForPath(d.Name))
}

func (d Dir) SoundPath() string      { return filepath.Join(d.SourcesRoot(), SoundDir) }
func (d Dir) MIDIPath() string       { return filepath.Join(d.SourcesRoot(), MIDIDir) }
func (d Dir) PeakPath() string       { return filepath.Join(d.Root, PeakDir) }
func (d Dir) DeadPath() string       { return filepath.Join(d.Root, DeadDir) }
func (d Dir) ExportPath() string     { return filepath.Join(d.Root, ExportDir) }
func (d Dir) PluginsPath() string    { return filepath.Join(d.Root, PluginsDir) }
func (d Dir) ExternalsPath() string  { return filepath.Join(d.Root, ExternalsDir) }
func (d Dir) AnalysisPath() string   { return filepath.Join(d.Root, AnalysisDir) }
func (d Dir) AutomationPath() string { return filepath.Join(d.Root, AutomationDir) }
func (d Dir) BackupPath() string     { return filepath.Join(d.Root, BackupDir) }

func (d Dir) StatePath(snapshot string) string {
	return filepath.Join(d.Root, LegalizeForPath(snapshot)+StateSuffix)
}

func (d Dir) PendingPath(snapshot string) string {
	return filepath.Join(d.Root, LegalizeForPath(snapshot)+PendingSuffix)
}

func (d Dir) HistoryPath(snapshot string) string {
	return filepath.Join(d.Root, LegalizeForPath(snapshot)+HistorySuffix)
}

// PendingPresent reports whether a crash-recovery file exists for snapshot.
func (d Dir) PendingPresent(snapshot string) bool {
	_, err := os.Stat(d.PendingPath(snapshot))
	return err == nil
}

// EnsureSubdirs creates every directory a session root needs.
func (d Dir) EnsureSubdirs() error {
	dirs := []string{
		d.SoundPath(),
		d.MIDIPath(),
		d.PeakPath(),
		d.DeadPath(),
		d.ExportPath(),
		d.PluginsPath(),
		d.ExternalsPath(),
		d.AnalysisPath(),
		d.AutomationPath(),
		d.BackupPath(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
		}
	}
	return nil
}

// MediaDirs are the per-root media directories searched for sources.
func (d Dir) MediaDirs() []string {
	return []string{d.SoundPath(), d.MIDIPath()}
}

// LegalizeForPath replaces characters that are illegal or troublesome in
// file names.
func LegalizeForPath(name string) string {
	const illegal = "/\\:;<>*?|\"\x00"
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(illegal, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MarkUnnamed drops the marker that flags a session created without a
// user-chosen name.
func (d Dir) MarkUnnamed() error {
	if err := os.WriteFile(filepath.Join(d.Root, UnnamedMarker), nil, 0644); err != nil {
		return fmt.Errorf("%w: create unnamed marker: %w", ErrIO, err)
	}
	return nil
}

func (d Dir) IsUnnamed() bool {
	_, err := os.Stat(filepath.Join(d.Root, UnnamedMarker))
	return err == nil
}

func (d Dir) ClearUnnamed() error {
	err := os.Remove(filepath.Join(d.Root, UnnamedMarker))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove unnamed marker: %w", ErrIO, err)
	}
	return nil
}
