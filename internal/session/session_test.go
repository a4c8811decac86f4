package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/sessionstate/internal/audio"
	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/model"
	"github.com/audiolibrelab/sessionstate/internal/recovery"
	"github.com/audiolibrelab/sessionstate/internal/registry"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

var fixedNow = func() time.Time { return time.Date(2024, 5, 17, 14, 30, 0, 0, time.UTC) }

type scriptedPrompter struct {
	BatchPrompter
	recover  bool
	playlist registry.PlaylistDecision
}

func (p scriptedPrompter) PendingRecovery(string) bool { return p.recover }

func (p scriptedPrompter) PlaylistDeletion(*model.Playlist) registry.PlaylistDecision {
	return p.playlist
}

func testOptions(root string) Options {
	return Options{
		Root:        root,
		SaveHistory: true,
		Now:         fixedNow,
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	root := filepath.Join(t.TempDir(), "Song")
	s, err := New(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// addSource writes a media file into the session and registers its source.
// A used source gets a track whose playlist holds a region of it.
func addSource(t *testing.T, s *Session, name string, used bool) *model.Source {
	t.Helper()
	g := s.Graph()
	path := filepath.Join(s.Dir().SoundPath(), name)
	if err := os.WriteFile(path, []byte("RIFF"+name), 0644); err != nil {
		t.Fatal(err)
	}
	src := g.Sources.Create(func(id ids.ID) *model.Source {
		x := model.NewSource(id, name, model.Audio)
		x.Length = 48000
		x.Flags = model.Writable
		return x
	})
	src.Path = path
	if used {
		useSource(g.Playlists, g.Regions, src)
		pl := lastPlaylist(g.Playlists)
		g.AddRoute(model.NewAudioTrack(g.NewID(), "Track "+name, pl.ID))
	}
	return src
}

func useSource(pls *registry.Playlists, regs *registry.Regions, src *model.Source) {
	pl := pls.Create(func(id ids.ID) *model.Playlist { return model.NewPlaylist(id, "pl "+src.Name, model.Audio) })
	reg := regs.Create(func(id ids.ID) *model.Region {
		r := model.NewAudioRegion(id, src.Name+".1", src.ID)
		r.Length = 1000
		return r
	})
	pl.Add(reg)
}

func lastPlaylist(pls *registry.Playlists) *model.Playlist {
	var last *model.Playlist
	for _, pl := range pls.Snapshot().All() {
		if last == nil || pl.ID > last.ID {
			last = pl
		}
	}
	return last
}

func TestNew_CreatesTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Song")
	opts := testOptions(root)
	opts.Unnamed = true
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	dir := s.Dir()
	for _, p := range []string{dir.StatePath("Song"), dir.SoundPath(), dir.MIDIPath(), dir.PeakPath(), dir.DeadPath()} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Expected %s to exist: %v", p, err)
		}
	}
	if !s.Unnamed() {
		t.Error("Expected unnamed marker")
	}
	if s.Dirty() {
		t.Error("New session should be clean")
	}
	if len(s.Graph().Routes) != 1 {
		t.Errorf("Expected only the master route, got %d routes", len(s.Graph().Routes))
	}

	if _, err := New(context.Background(), testOptions(root)); !errors.Is(err, ErrNameCollision) {
		t.Errorf("Expected ErrNameCollision for existing session, got %v", err)
	}
}

func TestSave_AndReopen(t *testing.T) {
	s := newTestSession(t)
	addSource(t, s, "take1.wav", true)
	s.MarkDirty()

	if err := s.Save(context.Background(), SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.Dirty() {
		t.Error("Save of the current snapshot should clear dirty")
	}
	root := s.Dir().Root
	s.Close()

	back, err := Open(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer back.Close()

	g := back.Graph()
	src := g.Sources.ByName("take1.wav")
	if src == nil {
		t.Fatal("Expected take1.wav after reopen")
	}
	if src.Silent {
		t.Error("Source file exists and should not be substituted")
	}
	if len(g.Routes) != 2 {
		t.Errorf("Expected 2 routes, got %d", len(g.Routes))
	}
	if back.RecoveryState() != recovery.Loaded {
		t.Errorf("Expected loaded state, got %s", back.RecoveryState())
	}
	if back.Dirty() {
		t.Error("Reopened session should be clean")
	}
}

func TestSave_ReadOnly(t *testing.T) {
	s := newTestSession(t)
	root := s.Dir().Root
	s.Close()

	opts := testOptions(root)
	opts.ReadOnly = true
	ro, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ro.Close()
	if err := ro.Save(context.Background(), SaveOptions{}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}
}

func TestSuspendResume_CoalescesSaves(t *testing.T) {
	s := newTestSession(t)
	saved := 0
	s.OnStateSaved(func(string) { saved++ })

	s.SuspendSaves()
	s.SuspendSaves()
	for i := 0; i < 3; i++ {
		if err := s.Save(context.Background(), SaveOptions{}); err != nil {
			t.Fatalf("Deferred save returned %v", err)
		}
	}
	if saved != 0 {
		t.Fatalf("Expected no saves while suspended, got %d", saved)
	}
	if err := s.ResumeSaves(context.Background()); err != nil {
		t.Fatal(err)
	}
	if saved != 0 {
		t.Fatalf("Expected no save while still suspended once, got %d", saved)
	}
	if err := s.ResumeSaves(context.Background()); err != nil {
		t.Fatal(err)
	}
	if saved != 1 {
		t.Errorf("Expected exactly one deferred save, got %d", saved)
	}
	if err := s.ResumeSaves(context.Background()); err != nil {
		t.Fatal(err)
	}
	if saved != 1 {
		t.Errorf("Extra resume must not save again, got %d", saved)
	}
}

func TestSave_PendingAndRecovery(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Song")
	opts := testOptions(root)
	opts.PeriodicBackups = true
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	addSource(t, s, "take1.wav", true)
	s.MarkDirty()

	if err := s.Save(context.Background(), SaveOptions{Pending: true}); err != nil {
		t.Fatalf("Pending save failed: %v", err)
	}
	dir := s.Dir()
	if !dir.PendingPresent("Song") {
		t.Fatal("Expected pending file")
	}
	if !s.Dirty() {
		t.Error("Pending save must not clear dirty")
	}
	if _, err := os.Stat(dir.PeriodicBackupPath("Song", fixedNow())); err != nil {
		t.Errorf("Expected periodic backup: %v", err)
	}
	s.Close()

	back, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer back.Close()
	if back.Graph().Sources.ByName("take1.wav") == nil {
		t.Error("Expected the recovered document to hold take1.wav")
	}
	if !back.Dirty() {
		t.Error("Recovered session should be dirty")
	}
	if err := back.Save(context.Background(), SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if back.Dir().PendingPresent("Song") {
		t.Error("Normal save should remove the pending file")
	}
}

func TestOpen_DeclinedRecoveryRemovesPending(t *testing.T) {
	s := newTestSession(t)
	addSource(t, s, "take1.wav", true)
	if err := s.Save(context.Background(), SaveOptions{Pending: true}); err != nil {
		t.Fatal(err)
	}
	root := s.Dir().Root
	s.Close()

	opts := testOptions(root)
	opts.Prompter = scriptedPrompter{recover: false}
	back, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer back.Close()
	if back.Dir().PendingPresent("Song") {
		t.Error("Declined pending file should be removed")
	}
	if back.Graph().Sources.ByName("take1.wav") != nil {
		t.Error("Expected the saved snapshot without the unsaved source")
	}
}

func TestSave_Snapshots(t *testing.T) {
	s := newTestSession(t)
	s.MarkDirty()
	if err := s.Save(context.Background(), SaveOptions{Snapshot: "alt"}); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot() != "Song" {
		t.Errorf("Saving another snapshot must not switch, current is %s", s.Snapshot())
	}
	if !s.Dirty() {
		t.Error("Saving another snapshot must not clear dirty")
	}

	if err := s.Save(context.Background(), SaveOptions{Snapshot: "next", SwitchTo: true}); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot() != "next" {
		t.Errorf("Expected switch to next, current is %s", s.Snapshot())
	}
	names, err := s.Snapshots()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "Song,alt,next" {
		t.Errorf("Unexpected snapshots %v", names)
	}

	if err := s.Save(context.Background(), SaveOptions{SwitchTo: true}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Switching to the current snapshot should fail, got %v", err)
	}
}

func TestLoad_VersionGateAndBackup(t *testing.T) {
	s := newTestSession(t)
	dir := s.Dir()
	s.Close()

	statePath := dir.StatePath("Song")
	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}

	older := strings.Replace(string(data), `version="7003"`, `version="7002"`, 1)
	if err := os.WriteFile(statePath, []byte(older), 0644); err != nil {
		t.Fatal(err)
	}
	back, err := Open(context.Background(), testOptions(dir.Root))
	if err != nil {
		t.Fatalf("Open of older version failed: %v", err)
	}
	back.Close()
	if _, err := os.Stat(dir.VersionBackupPath("Song", 7002)); err != nil {
		t.Errorf("Expected version backup: %v", err)
	}

	newer := strings.Replace(string(data), `version="7003"`, `version="8000"`, 1)
	if err := os.WriteFile(statePath, []byte(newer), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), testOptions(dir.Root)); !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("Expected ErrSchemaVersion, got %v", err)
	} else if recovery.StatusCode(err) != recovery.StatusSchemaVersion {
		t.Errorf("Expected schema status code, got %d", recovery.StatusCode(err))
	}
}

func TestHistory_SavedAndRestored(t *testing.T) {
	s := newTestSession(t)
	s.History().Add(&model.Transaction{Name: "move region", Time: fixedNow()})
	if err := s.Save(context.Background(), SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	root := s.Dir().Root
	s.Close()

	back, err := Open(context.Background(), testOptions(root))
	if err != nil {
		t.Fatal(err)
	}
	defer back.Close()
	if back.History().UndoDepth() != 1 {
		t.Errorf("Expected 1 restored transaction, got %d", back.History().UndoDepth())
	}
}

func TestRename(t *testing.T) {
	s := newTestSession(t)
	src := addSource(t, s, "take1.wav", true)
	if err := s.Dir().MarkUnnamed(); err != nil {
		t.Fatal(err)
	}
	parent := filepath.Dir(s.Dir().Root)

	if err := s.Rename(context.Background(), "Tune"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	newRoot := filepath.Join(parent, "Tune")
	if s.Dir().Root != newRoot || s.Name() != "Tune" || s.Snapshot() != "Tune" {
		t.Errorf("Unexpected session after rename: %+v snapshot %s", s.Dir(), s.Snapshot())
	}
	if _, err := os.Stat(filepath.Join(parent, "Song")); !os.IsNotExist(err) {
		t.Error("Old root should be gone")
	}
	if _, err := os.Stat(filepath.Join(newRoot, "Tune.session")); err != nil {
		t.Errorf("Expected renamed state file: %v", err)
	}
	want := filepath.Join(newRoot, "interchange", "Tune", "sources", "take1.wav")
	if src.Path != want {
		t.Errorf("Expected source path %s, got %s", want, src.Path)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("Expected media moved: %v", err)
	}
	if s.Unnamed() {
		t.Error("Rename should clear the unnamed marker")
	}
}

func TestRename_CollisionTouchesNothing(t *testing.T) {
	s := newTestSession(t)
	addSource(t, s, "take1.wav", true)
	root := s.Dir().Root
	if err := os.MkdirAll(filepath.Join(filepath.Dir(root), "Taken"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := s.Rename(context.Background(), "Taken"); !errors.Is(err, ErrNameCollision) {
		t.Fatalf("Expected ErrNameCollision, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "interchange", "Song", "sources", "take1.wav")); err != nil {
		t.Errorf("Media must stay in place: %v", err)
	}
	if s.Name() != "Song" {
		t.Errorf("Name changed to %s", s.Name())
	}
}

func TestRename_RefusedWhileRecording(t *testing.T) {
	eng := audio.NewOfflineEngine(48000, 1024, nil)
	opts := testOptions(filepath.Join(t.TempDir(), "Song"))
	opts.Engine = eng
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	eng.SetRecording(true)
	if err := s.Rename(context.Background(), "Other"); !errors.Is(err, ErrRecording) {
		t.Errorf("Expected ErrRecording, got %v", err)
	}
}

func TestRemoveAndRenameState(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()
	if err := s.Save(ctx, SaveOptions{Snapshot: "alt"}); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveState("Song"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Removing the current snapshot should fail, got %v", err)
	}
	if err := s.RenameState("Song", "x"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Renaming the current snapshot should fail, got %v", err)
	}
	if err := s.Save(ctx, SaveOptions{Snapshot: "other"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RenameState("alt", "other"); !errors.Is(err, ErrNameCollision) {
		t.Errorf("Expected collision, got %v", err)
	}
	if err := s.RenameState("alt", "verse"); err != nil {
		t.Fatalf("RenameState failed: %v", err)
	}
	dir := s.Dir()
	if _, err := os.Stat(dir.StatePath("verse")); err != nil {
		t.Errorf("Expected verse snapshot: %v", err)
	}

	if err := s.RemoveState("verse"); err != nil {
		t.Fatalf("RemoveState failed: %v", err)
	}
	if _, err := os.Stat(dir.StatePath("verse")); !os.IsNotExist(err) {
		t.Error("Removed snapshot still exists")
	}
	if _, err := os.Stat(dir.StatePath("verse") + layout.BackupSuffix); err != nil {
		t.Errorf("Expected backup of removed snapshot: %v", err)
	}
}

func TestSaveTemplate_AndNewFromTemplate(t *testing.T) {
	s := newTestSession(t)
	addSource(t, s, "take1.wav", true)
	if err := os.WriteFile(filepath.Join(s.Dir().PluginsPath(), "reverb.state"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	tdir := t.TempDir()
	ctx := context.Background()

	path, err := s.SaveTemplate(ctx, tdir, "band", "four piece", false)
	if err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}
	if desc, err := TemplateDescription(path); err != nil || desc != "four piece" {
		t.Errorf("Expected description, got %q (%v)", desc, err)
	}
	if _, err := s.SaveTemplate(ctx, tdir, "band", "", false); !errors.Is(err, ErrNameCollision) {
		t.Errorf("Expected collision without replace, got %v", err)
	}
	if _, err := s.SaveTemplate(ctx, tdir, "band", "", true); err != nil {
		t.Errorf("Replace failed: %v", err)
	}

	opts := testOptions(filepath.Join(t.TempDir(), "Gig"))
	opts.Template = path
	gig, err := New(ctx, opts)
	if err != nil {
		t.Fatalf("New from template failed: %v", err)
	}
	defer gig.Close()
	g := gig.Graph()
	if len(g.Routes) != 2 {
		t.Errorf("Expected template routes, got %d", len(g.Routes))
	}
	if g.Sources.Len() != 0 {
		t.Errorf("Template must not carry sources, got %d", g.Sources.Len())
	}
	if _, err := os.Stat(filepath.Join(gig.Dir().PluginsPath(), "reverb.state")); err != nil {
		t.Errorf("Expected plugin state copied: %v", err)
	}
}

func TestMediaDirForNewFile(t *testing.T) {
	s := newTestSession(t)
	dir, err := s.MediaDirForNewFile(context.Background(), model.Audio)
	if err != nil {
		t.Fatalf("MediaDirForNewFile failed: %v", err)
	}
	if dir != s.Dir().SoundPath() {
		t.Errorf("Expected %s, got %s", s.Dir().SoundPath(), dir)
	}
	midi, err := s.MediaDirForNewFile(context.Background(), model.MIDI)
	if err != nil {
		t.Fatal(err)
	}
	if midi != s.Dir().MIDIPath() {
		t.Errorf("Expected %s, got %s", s.Dir().MIDIPath(), midi)
	}
}

// checkBasicGraph verifies route 1, source 2 and whole-file region 3.
func checkBasicGraph(t *testing.T, g *state.Graph, sourcePath string) {
	t.Helper()
	if r := g.RouteByID(1); r == nil || r.Name != "Master" {
		t.Errorf("Expected route 1, got %+v", r)
	}
	src, ok := g.Sources.ByID(2)
	if !ok {
		t.Fatal("Expected source 2")
	}
	if src.Name != "take1.wav" || src.Length != 44100 || src.Path != sourcePath || src.Silent {
		t.Errorf("unexpected source 2 %+v", src)
	}
	reg, ok := g.Regions.ByID(3)
	if !ok {
		t.Fatal("Expected region 3")
	}
	if !reg.WholeFile || reg.Start != 0 || reg.Length != 44100 || len(reg.Sources) != 1 || reg.Sources[0] != 2 {
		t.Errorf("unexpected region 3 %+v", reg)
	}
	if id := g.NewID(); id <= 3 {
		t.Errorf("Expected new IDs above the loaded ones, got %s", id)
	}
}

func TestSave_BasicSessionReload(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Song")
	dir := layout.NewDir(root, "Song")
	if err := dir.EnsureSubdirs(); err != nil {
		t.Fatal(err)
	}

	g := state.NewGraph("Song", 48000)
	g.AddRoute(model.NewMaster(1))
	src := model.NewSource(2, "take1.wav", model.Audio)
	src.Length = 44100
	src.Flags = model.Writable
	src.Path = filepath.Join(dir.SoundPath(), "take1.wav")
	if err := os.WriteFile(src.Path, []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := g.Sources.Add(src); err != nil {
		t.Fatal(err)
	}
	if err := g.Regions.Add(model.NewWholeFileRegion(3, "take1", src)); err != nil {
		t.Fatal(err)
	}
	doc, err := state.Serialize(g, state.Options{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := document.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir.StatePath("Song"), data, 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	checkBasicGraph(t, s.Graph(), src.Path)

	s.MarkDirty()
	if err := s.Save(context.Background(), SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	back, err := Open(context.Background(), testOptions(root))
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer back.Close()
	checkBasicGraph(t, back.Graph(), src.Path)
}

func TestSave_KeepsStampedBackup(t *testing.T) {
	s := newTestSession(t)
	dir := s.Dir()
	before, err := os.ReadFile(dir.StatePath("Song"))
	if err != nil {
		t.Fatal(err)
	}

	addSource(t, s, "take1.wav", true)
	s.MarkDirty()
	if err := s.Save(context.Background(), SaveOptions{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	kept, err := os.ReadFile(dir.SaveBackupPath("Song", fixedNow()))
	if err != nil {
		t.Fatalf("Expected stamped backup: %v", err)
	}
	if string(kept) != string(before) {
		t.Error("Expected the backup to hold the previous document")
	}

	if err := s.Save(context.Background(), SaveOptions{}); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	entries, err := os.ReadDir(dir.BackupPath())
	if err != nil {
		t.Fatal(err)
	}
	stamped := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "Song-20240517-143000.000") {
			stamped++
		}
	}
	if stamped != 2 {
		t.Errorf("Expected one backup per save, got %d", stamped)
	}
}
