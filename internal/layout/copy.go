package layout

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Filter decides whether a path below the tree root is copied. rel is the
// slash separated path relative to the root. Returning false for a
// directory skips its whole subtree.
type Filter func(rel string, d fs.DirEntry) bool

// Progress receives the number of files copied so far and the total.
type Progress func(done, total int)

// CopyTree copies from into to, creating to. The context is checked before
// each file so a cancelled copy stops promptly.
func CopyTree(ctx context.Context, from, to string, filter Filter, progress Progress) error {
	var files []string
	err := filepath.WalkDir(from, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if filter != nil && !filter(filepath.ToSlash(rel), d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		} else if d.IsDir() {
			files = append(files, rel+string(filepath.Separator))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scan %s: %w", ErrIO, from, err)
	}

	if err := os.MkdirAll(to, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, to, err)
	}

	total := 0
	for _, rel := range files {
		if !isDirEntry(rel) {
			total++
		}
	}
	done := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(to, rel)
		if isDirEntry(rel) {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return fmt.Errorf("%w: create %s: %w", ErrIO, dst, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("%w: create %s: %w", ErrIO, filepath.Dir(dst), err)
		}
		if err := CopyFile(filepath.Join(from, rel), dst); err != nil {
			return fmt.Errorf("%w: copy %s: %w", ErrIO, rel, err)
		}
		done++
		if progress != nil {
			progress(done, total)
		}
	}
	return nil
}

func isDirEntry(rel string) bool {
	return len(rel) > 0 && rel[len(rel)-1] == filepath.Separator
}
