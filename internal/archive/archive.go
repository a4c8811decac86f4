// Package archive writes and verifies compressed session archives.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the archive codec.
type Compression int

const (
	None Compression = iota
	Fast
	Good
)

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return None, nil
	case "fast":
		return Fast, nil
	case "good":
		return Good, nil
	}
	return None, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) String() string {
	switch c {
	case Fast:
		return "fast"
	case Good:
		return "good"
	}
	return "none"
}

// Extension is the file suffix for archives with this compression.
func (c Compression) Extension() string {
	switch c {
	case Fast:
		return ".tar.gz"
	case Good:
		return ".tar.zst"
	}
	return ".tar"
}

// CompressionFor guesses the compression from an archive file name.
func CompressionFor(name string) Compression {
	switch {
	case strings.HasSuffix(name, ".tar.zst"):
		return Good
	case strings.HasSuffix(name, ".tar.gz"):
		return Fast
	}
	return None
}

// Progress reports files written so far.
type Progress func(done, total int)

// Create writes an archive of files (absolute path -> name in the archive)
// to dest. The manifest lists every file with its digest and is written
// first. A failed or cancelled Create leaves no file at dest.
func Create(ctx context.Context, dest string, files map[string]string, meta Manifest, level Compression, progress Progress) (m *Manifest, retErr error) {
	srcs := make([]string, 0, len(files))
	for src := range files {
		srcs = append(srcs, src)
	}
	sort.Slice(srcs, func(i, j int) bool { return files[srcs[i]] < files[srcs[j]] })

	meta.SchemaVersion = 1
	if meta.Created == "" {
		meta.Created = time.Now().UTC().Format(time.RFC3339)
	}
	meta.Files = make([]FileDigest, 0, len(srcs))
	for _, src := range srcs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, size, err := fileDigest(src)
		if err != nil {
			return nil, fmt.Errorf("digest %s: %w", src, err)
		}
		meta.Files = append(meta.Files, FileDigest{Name: files[src], SHA256: sum, Size: size})
	}
	manifest, err := meta.Encode()
	if err != nil {
		return nil, err
	}

	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = os.Remove(dest)
		}
	}()

	comp, err := newCompressor(out, level)
	if err != nil {
		out.Close()
		return nil, err
	}
	tw := tar.NewWriter(comp)

	closeAll := func() error {
		err1 := tw.Close()
		err2 := comp.Close()
		err3 := out.Close()
		return errors.Join(err1, err2, err3)
	}

	if err := writeBytes(tw, ManifestName, manifest); err != nil {
		_ = closeAll()
		return nil, err
	}
	for i, src := range srcs {
		if err := ctx.Err(); err != nil {
			_ = closeAll()
			return nil, err
		}
		if err := writeFile(tw, src, files[src]); err != nil {
			_ = closeAll()
			return nil, err
		}
		if progress != nil {
			progress(i+1, len(srcs))
		}
	}
	if err := closeAll(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return &meta, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func newCompressor(w io.Writer, level Compression) (io.WriteCloser, error) {
	switch level {
	case Good:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return zw, nil
	case Fast:
		gw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		return gw, nil
	}
	return nopCloser{w}, nil
}

func writeBytes(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func writeFile(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return fmt.Errorf("file header: %w", err)
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy: %s %w", name, err)
	}
	return nil
}

// reader opens an archive for reading; close releases the decompressor.
func reader(archivePath string) (*tar.Reader, func(), error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	switch CompressionFor(archivePath) {
	case Good:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("zstd reader: %w", err)
		}
		return tar.NewReader(zr), func() { zr.Close(); f.Close() }, nil
	case Fast:
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("gzip reader: %w", err)
		}
		return tar.NewReader(gr), func() { gr.Close(); f.Close() }, nil
	}
	return tar.NewReader(f), func() { f.Close() }, nil
}

// Verify checks the manifest and the digest of every file.
func Verify(archivePath string) (*Manifest, error) {
	tr, closeFn, err := reader(archivePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	m, err := readManifest(tr)
	if err != nil {
		return nil, err
	}
	want := make(map[string]FileDigest, len(m.Files))
	for _, f := range m.Files {
		want[f.Name] = f
	}

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		expected, ok := want[header.Name]
		if !ok {
			return nil, fmt.Errorf("archive entry %s is not in the manifest", header.Name)
		}
		sum, size, err := digestReader(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", header.Name, err)
		}
		if sum != expected.SHA256 || size != expected.Size {
			return nil, fmt.Errorf("archive entry %s does not match its digest", header.Name)
		}
		delete(want, header.Name)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("archive is missing %d file(s): %s", len(missing), strings.Join(missing, ", "))
	}
	return m, nil
}

func readManifest(tr *tar.Reader) (*Manifest, error) {
	header, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if header.Name != ManifestName {
		return nil, fmt.Errorf("archive does not start with %s", ManifestName)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Extract unpacks a verified archive below dest.
func Extract(ctx context.Context, archivePath, dest string) (*Manifest, error) {
	m, err := Verify(archivePath)
	if err != nil {
		return nil, err
	}
	tr, closeFn, err := reader(archivePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	if _, err := readManifest(tr); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract %s: %w", header.Name, err)
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func safeJoin(dest, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("unsafe archive entry %q", name)
	}
	return filepath.Join(dest, filepath.FromSlash(clean[1:])), nil
}
