package layout

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// rename is swapped out in tests to fail the final step of AtomicWrite.
var rename = os.Rename

// AtomicWrite replaces target with content so that target is either the
// old or the new document, never a mix. An existing target is first copied
// to target.bak. On any failure the temporary file is removed and target
// is left as it was.
func AtomicWrite(target string, content []byte) error {
	if _, err := os.Stat(target); err == nil {
		if err := CopyFile(target, target+BackupSuffix); err != nil {
			return fmt.Errorf("%w: backup %s: %w", ErrIO, target, err)
		}
	}

	tmp := target + TempSuffix
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmp)
		}
	}()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, tmp, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %w", ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync %s: %w", ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, tmp, err)
	}

	if err := rename(tmp, target); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %w", ErrIO, tmp, target, err)
	}
	cleanup = false

	if dir, err := os.Open(filepath.Dir(target)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// PeriodicBackupPath is backup/<snapshot>-YY-MM-DD.HH.session. One backup
// per hour is kept; later saves within the hour overwrite it.
func (d Dir) PeriodicBackupPath(snapshot string, now time.Time) string {
	stamp := now.Format("06-01-02.15")
	return filepath.Join(d.BackupPath(), LegalizeForPath(snapshot)+"-"+stamp+StateSuffix)
}

// PeriodicBackup copies the pending file of snapshot into the backup dir.
func (d Dir) PeriodicBackup(snapshot string, now time.Time) (string, error) {
	if err := os.MkdirAll(d.BackupPath(), 0755); err != nil {
		return "", fmt.Errorf("%w: create backup dir: %w", ErrIO, err)
	}
	dst := d.PeriodicBackupPath(snapshot, now)
	if err := CopyFile(d.PendingPath(snapshot), dst); err != nil {
		return "", fmt.Errorf("%w: periodic backup of %s: %w", ErrIO, snapshot, err)
	}
	return dst, nil
}

// SaveBackupPath is backup/<snapshot>-YYYYMMDD-HHMMSS.mmm.session.
func (d Dir) SaveBackupPath(snapshot string, now time.Time) string {
	stamp := now.Format("20060102-150405.000")
	return filepath.Join(d.BackupPath(), LegalizeForPath(snapshot)+"-"+stamp+StateSuffix)
}

// SaveBackup keeps a timestamped copy of the snapshot's document before a
// save replaces it. Saves sharing a stamp get a numeric suffix instead of
// overwriting each other. It returns "" when there is no document yet.
func (d Dir) SaveBackup(snapshot string, now time.Time) (string, error) {
	src := d.StatePath(snapshot)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err := os.MkdirAll(d.BackupPath(), 0755); err != nil {
		return "", fmt.Errorf("%w: create backup dir: %w", ErrIO, err)
	}
	dst := d.SaveBackupPath(snapshot, now)
	base := strings.TrimSuffix(dst, StateSuffix)
	for n := 1; ; n++ {
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dst = fmt.Sprintf("%s.%d%s", base, n, StateSuffix)
	}
	if err := CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("%w: backup of %s: %w", ErrIO, snapshot, err)
	}
	return dst, nil
}

// VersionBackupPath is where a document written by an older format version
// is preserved before it is overwritten in the current format.
func (d Dir) VersionBackupPath(snapshot string, version int) string {
	return filepath.Join(d.BackupPath(), fmt.Sprintf("%s-%d%s", LegalizeForPath(snapshot), version, StateSuffix))
}

// Snapshots lists the snapshot names in the session root, sorted.
func (d Dir) Snapshots() ([]string, error) {
	files, err := d.StateFiles()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimSuffix(filepath.Base(f), StateSuffix))
	}
	return names, nil
}

// StateFiles returns the full paths of every *.session file in the root.
func (d Dir) StateFiles() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrIO, d.Root, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), StateSuffix) {
			continue
		}
		out = append(out, filepath.Join(d.Root, e.Name()))
	}
	return out, nil
}
