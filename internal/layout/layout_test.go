package layout

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDirPaths(t *testing.T) {
	d := NewDir("/music/Song", "Song")
	if got := d.SoundPath(); got != "/music/Song/interchange/Song/sources" {
		t.Errorf("unexpected sound path %s", got)
	}
	if got := d.MIDIPath(); got != "/music/Song/interchange/Song/midifiles" {
		t.Errorf("unexpected midi path %s", got)
	}
	if got := d.StatePath("take 2"); got != "/music/Song/take 2.session" {
		t.Errorf("unexpected state path %s", got)
	}
	if got := d.PendingPath("a/b"); got != "/music/Song/a_b.pending" {
		t.Errorf("Expected illegal characters to be replaced, got %s", got)
	}
}

func TestEnsureSubdirs(t *testing.T) {
	d := NewDir(t.TempDir(), "Song")
	if err := d.EnsureSubdirs(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{d.SoundPath(), d.MIDIPath(), d.PeakPath(), d.DeadPath(), d.BackupPath(), d.ExternalsPath()} {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Errorf("Expected directory %s", p)
		}
	}
}

func TestAtomicWriteKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "Song.session")
	if err := AtomicWrite(target, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target + BackupSuffix); !os.IsNotExist(err) {
		t.Error("Expected no backup on first write")
	}
	if err := AtomicWrite(target, []byte("two")); err != nil {
		t.Fatal(err)
	}
	cur, _ := os.ReadFile(target)
	bak, _ := os.ReadFile(target + BackupSuffix)
	if string(cur) != "two" || string(bak) != "one" {
		t.Errorf("Expected current=two backup=one, got %q %q", cur, bak)
	}
	if _, err := os.Stat(target + TempSuffix); !os.IsNotExist(err) {
		t.Error("Expected temp file to be gone")
	}
}

func TestAtomicWriteRenameFailureLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "Song.session")
	if err := os.WriteFile(target, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	renamed := false
	rename = func(from, to string) error {
		renamed = true
		if _, err := os.Stat(from); err != nil {
			t.Errorf("Expected temp file to be written before rename: %v", err)
		}
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: fs.ErrPermission}
	}
	t.Cleanup(func() { rename = os.Rename })

	err := AtomicWrite(target, []byte("new"))
	if !renamed {
		t.Fatal("Expected rename to be attempted")
	}
	if !errors.Is(err, ErrIO) || !errors.Is(err, fs.ErrPermission) {
		t.Errorf("Expected ErrIO wrapping the rename error, got %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil || string(got) != "old" {
		t.Errorf("Expected target bytes unchanged, got %q (%v)", got, err)
	}
	if _, err := os.Stat(target + TempSuffix); !os.IsNotExist(err) {
		t.Error("Expected temp file to be removed after failure")
	}
}

func TestSaveBackupIsStampedPerSave(t *testing.T) {
	d := NewDir(t.TempDir(), "Song")
	now := time.Date(2026, 3, 4, 15, 30, 12, 250*int(time.Millisecond), time.UTC)

	p, err := d.SaveBackup("Song", now)
	if err != nil || p != "" {
		t.Fatalf("Expected nothing to back up yet, got %q %v", p, err)
	}

	os.WriteFile(d.StatePath("Song"), []byte("one"), 0644)
	first, err := d.SaveBackup("Song", now)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "Song-20260304-153012.250.session" {
		t.Errorf("unexpected backup name %s", filepath.Base(first))
	}

	os.WriteFile(d.StatePath("Song"), []byte("two"), 0644)
	second, err := d.SaveBackup("Song", now)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("Expected a second backup with the same stamp to get its own file")
	}
	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if string(a) != "one" || string(b) != "two" {
		t.Errorf("Expected both backups kept, got %q %q", a, b)
	}
}

func TestPeriodicBackup(t *testing.T) {
	d := NewDir(t.TempDir(), "Song")
	os.WriteFile(d.PendingPath("Song"), []byte("<Session/>"), 0644)
	now := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)
	p, err := d.PeriodicBackup("Song", now)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "Song-26-03-04.15.session" {
		t.Errorf("unexpected backup name %s", filepath.Base(p))
	}
}

func TestSnapshotsAndUnnamedMarker(t *testing.T) {
	d := NewDir(t.TempDir(), "Song")
	for _, name := range []string{"Song.session", "mix.session", "Song.pending", "Song.history"} {
		os.WriteFile(filepath.Join(d.Root, name), nil, 0644)
	}
	snaps, err := d.Snapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0] != "Song" || snaps[1] != "mix" {
		t.Errorf("Expected [Song mix], got %v", snaps)
	}
	if !d.PendingPresent("Song") || d.PendingPresent("mix") {
		t.Error("unexpected pending detection")
	}

	if d.IsUnnamed() {
		t.Error("Expected no marker yet")
	}
	d.MarkUnnamed()
	if !d.IsUnnamed() {
		t.Error("Expected marker")
	}
	d.ClearUnnamed()
	if d.IsUnnamed() {
		t.Error("Expected marker removed")
	}
}

func TestBestForNewFileRoundRobin(t *testing.T) {
	r := NewRoots([]string{"/a", "/b", "/c"}, 100)
	r.writable = func(string) bool { return true }
	r.statfs = func(p string) (uint64, error) {
		if p == "/c" {
			return 10, nil
		}
		return 1000, nil
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, r.BestForNewFile())
	}
	want := []string{"/a", "/b", "/a", "/b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestBestForNewFileMostSpace(t *testing.T) {
	r := NewRoots([]string{"/a", "/b"}, 100)
	r.writable = func(p string) bool { return true }
	r.statfs = func(p string) (uint64, error) {
		if p == "/b" {
			return 50, nil
		}
		return 5, nil
	}
	r.Refresh(context.Background())
	if got := r.BestForNewFile(); got != "/b" {
		t.Errorf("Expected root with most space, got %s", got)
	}
}

func TestRefreshReadOnlyRootReportsZero(t *testing.T) {
	r := NewRoots([]string{"/ro", "/rw"}, 100)
	r.writable = func(p string) bool { return p == "/rw" }
	r.statfs = func(string) (uint64, error) { return 1000, nil }
	r.Refresh(context.Background())
	for _, s := range r.Space() {
		if s.Path == "/ro" && s.Blocks != 0 {
			t.Errorf("Expected read-only root to report 0 blocks, got %d", s.Blocks)
		}
	}
	if got := r.BestForNewFile(); got != "/rw" {
		t.Errorf("Expected writable root, got %s", got)
	}
}

func TestPathIsWithin(t *testing.T) {
	r := NewRoots([]string{"/music/Song", "/raid/Song"}, 0)
	if !r.PathIsWithin("/raid/Song/interchange/Song/sources/a.wav") {
		t.Error("Expected path within second root")
	}
	if r.PathIsWithin("/music/SongOther/a.wav") {
		t.Error("Expected sibling directory to be outside")
	}
}

func TestCopyTreeFilterAndCancel(t *testing.T) {
	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, "peaks"), 0755)
	os.MkdirAll(filepath.Join(src, "interchange", "Song", "sources"), 0755)
	os.WriteFile(filepath.Join(src, "peaks", "a%A.peak"), []byte("p"), 0644)
	os.WriteFile(filepath.Join(src, "interchange", "Song", "sources", "a.wav"), []byte("w"), 0644)
	os.WriteFile(filepath.Join(src, "Song.session"), []byte("s"), 0644)

	dst := filepath.Join(t.TempDir(), "copy")
	var calls int
	err := CopyTree(context.Background(), src, dst, func(rel string, d fs.DirEntry) bool {
		return rel != "peaks" && rel != "Song.session"
	}, func(done, total int) {
		calls++
		if total != 1 {
			t.Errorf("Expected 1 file total, got %d", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dst, "interchange", "Song", "sources", "a.wav")); err != nil {
		t.Error("Expected media copied")
	}
	if _, err := os.Stat(filepath.Join(dst, "peaks")); !os.IsNotExist(err) {
		t.Error("Expected peaks skipped")
	}
	if calls != 1 {
		t.Errorf("Expected 1 progress call, got %d", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = CopyTree(ctx, src, filepath.Join(t.TempDir(), "cancelled"), nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
