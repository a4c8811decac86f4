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
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/sessionstate/internal/archive"
	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/encode"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/metrics"
	"github.com/audiolibrelab/sessionstate/internal/model"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

type ArchiveOptions struct {
	// Dest is the directory the archive is written to.
	Dest string
	// Name is the archive and top-level directory name. Defaults to the
	// session name.
	Name        string
	Encode      encode.Mode
	Compression archive.Compression
	// OnlyUsed leaves out sources no playlist in use refers to.
	OnlyUsed bool
	Progress archive.Progress
	// Upload sends the finished archive to the configured uploader.
	Upload bool
}

type ArchiveResult struct {
	Path     string
	URL      string
	Manifest *archive.Manifest
}

// archiveSkipDirs are session root directories never archived.
var archiveSkipDirs = map[string]bool{
	layout.PeakDir:      true,
	layout.AnalysisDir:  true,
	layout.DeadDir:      true,
	layout.ExportDir:    true,
	layout.ExternalsDir: true,
	layout.PluginsDir:   true,
	layout.BackupDir:    true,
}

// Archive writes a self-contained archive of the current snapshot. Source
// properties changed for the archived document are restored before it
// returns.
func (s *Session) Archive(ctx context.Context, o ArchiveOptions) (res *ArchiveResult, err error) {
	defer func() { metrics.Operation("archive", err) }()

	if o.Dest == "" {
		return nil, fmt.Errorf("%w: archive destination not set", ErrConfiguration)
	}
	if o.Name == "" {
		o.Name = s.Name()
	}
	if layout.LegalizeForPath(o.Name) != o.Name {
		return nil, fmt.Errorf("%w: %q is not a usable archive name", ErrConfiguration, o.Name)
	}
	if o.Encode != encode.None && s.opts.Encoder == nil {
		return nil, fmt.Errorf("%w: no encoder for %s", ErrConfiguration, o.Encode)
	}
	if o.Upload && s.opts.Uploader == nil {
		return nil, fmt.Errorf("%w: no upload destination configured", ErrConfiguration)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.holdSaves(ctx)()

	if err := os.MkdirAll(o.Dest, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIO, o.Dest, err)
	}
	staging := filepath.Join(o.Dest, ".archive-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("%w: create staging dir: %w", ErrIO, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			slog.Warn("Could not remove archive staging dir", "path", staging, "error", rmErr)
		}
	}()

	files, err := s.stageArchive(ctx, o, staging)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(o.Dest, o.Name+o.Compression.Extension())
	manifest, err := archive.Create(ctx, dest, files, archive.Manifest{
		ArchiveID: uuid.NewString(),
		Created:   s.opts.Now().UTC().Format(time.RFC3339),
		Program:   s.programString(),
		Snapshot:  o.Name,
	}, o.Compression, o.Progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return nil, fmt.Errorf("%w: write archive: %w", ErrIO, err)
	}
	res = &ArchiveResult{Path: dest, Manifest: manifest}
	if info, err := os.Stat(dest); err == nil {
		metrics.ArchiveBytes.Set(float64(info.Size()))
	}
	slog.Info("Session archived", "path", dest, "files", len(manifest.Files), "compression", o.Compression)

	if o.Upload {
		url, err := s.opts.Uploader.Upload(ctx, filepath.Base(dest), dest)
		if err != nil {
			return res, fmt.Errorf("upload archive: %w", err)
		}
		res.URL = url
		slog.Info("Archive uploaded", "url", url)
	}
	return res, nil
}

// stageArchive collects the archive contents, encoding audio into staging
// when asked, and writes the archived document. It holds the save lock for
// as long as sources carry archive-only values.
func (s *Session) stageArchive(ctx context.Context, o ArchiveOptions, staging string) (map[string]string, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	g := s.Graph()
	dir := s.Dir()
	name := o.Name
	files := map[string]string{}
	archived := layout.NewDir(name, name)
	stage := layout.NewDir(staging, name)

	originals := map[*model.Source]*model.Source{}
	oldName := g.Name
	defer func() {
		for src, orig := range originals {
			*src = *orig
		}
		g.Name = oldName
	}()
	alter := func(src *model.Source) {
		if _, ok := originals[src]; !ok {
			originals[src] = src.Clone()
		}
	}

	uses := g.SourceUses()
	var selected []*model.Source
	taken := map[string]bool{}
	for id, src := range g.Sources.Snapshot().All() {
		if src.Silent || src.Type != model.Audio || src.Empty() || src.Path == "" {
			continue
		}
		if o.OnlyUsed && uses[id] == 0 {
			continue
		}
		selected = append(selected, src)
		if src.WithinSession {
			taken[filepath.Base(src.Path)] = true
		}
	}

	for _, src := range selected {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if o.Encode != encode.None {
			if err := s.encodeForArchive(ctx, src, o.Encode, stage, alter); err != nil {
				return nil, err
			}
			continue
		}
		if src.WithinSession {
			files[src.Path] = path.Join(filepath.ToSlash(archived.SoundPath()), filepath.Base(src.Path))
			continue
		}
		rel := externalName(src, taken)
		files[src.Path] = path.Join(name, rel)
		alter(src)
		src.Name = rel
		src.WithinSession = true
		src.Origin = ""
		s.markArchived(ctx, src, rel)
	}

	for _, root := range s.roots.Paths() {
		if err := collectRoot(ctx, root, dir.Name, name, files); err != nil {
			return nil, err
		}
	}

	g.Name = name
	doc, flushErr := state.Serialize(g, state.Options{ForArchive: true, OnlyUsedAssets: o.OnlyUsed})
	if flushErr != nil {
		slog.Warn("Some sources could not be flushed", "error", flushErr)
	}
	data, err := document.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode session document: %w", err)
	}
	statePath := stage.StatePath(name)
	if err := os.WriteFile(statePath, data, 0644); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrIO, statePath, err)
	}

	// encoded audio and the document live in staging
	err = filepath.WalkDir(staging, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(staging, p)
		if err != nil {
			return err
		}
		files[p] = path.Join(name, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan staging: %w", ErrIO, err)
	}
	return files, nil
}

// encodeForArchive writes src as FLAC into staging and points the source at
// the encoded mono file.
func (s *Session) encodeForArchive(ctx context.Context, src *model.Source, mode encode.Mode, stage layout.Dir, alter func(*model.Source)) error {
	stem := strings.TrimSuffix(filepath.Base(src.Path), filepath.Ext(src.Path))
	if src.Channel > 0 {
		stem += fmt.Sprintf("-c%d", src.Channel)
	}
	dstDir := stage.SoundPath()
	rel := ""
	if !src.WithinSession {
		rel = path.Join(layout.ExternalsDir, string(src.Type))
		dstDir = filepath.Join(stage.Root, filepath.FromSlash(rel))
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, dstDir, err)
	}
	dst := uniquePath(filepath.Join(dstDir, stem+mode.Extension()))

	err := s.opts.Encoder.Encode(ctx, encode.Job{
		Src:     src.Path,
		Dst:     dst,
		Channel: src.Channel,
		Gain:    src.Gain,
		Mode:    mode,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return fmt.Errorf("encode %s: %w", src.Path, err)
	}

	alter(src)
	src.Path = dst
	src.Gain = 1
	src.Channel = 0
	if src.WithinSession {
		src.Name = filepath.Base(dst)
	} else {
		src.Name = path.Join(rel, filepath.Base(dst))
		src.WithinSession = true
		src.Origin = ""
		s.markArchived(ctx, src, src.Name)
	}
	slog.Debug("Encoded source for archive", "source", src.ID, "to", dst)
	return nil
}

// externalName picks externals/<type>/<base> for an external source,
// adding -N before the extension when the base name is taken.
func externalName(src *model.Source, taken map[string]bool) string {
	base := filepath.Base(src.Path)
	if taken[base] {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		for n := 1; ; n++ {
			c := fmt.Sprintf("%s-%d%s", stem, n, ext)
			if !taken[c] {
				base = c
				break
			}
		}
	}
	taken[base] = true
	return path.Join(layout.ExternalsDir, string(src.Type), base)
}

func (s *Session) markArchived(ctx context.Context, src *model.Source, rel string) {
	s.mu.Lock()
	reg := s.externals
	s.mu.Unlock()
	if reg == nil {
		return
	}
	if err := reg.MarkArchived(ctx, src.ID.String(), rel); err != nil {
		slog.Debug("External file not in registry", "source", src.ID, "error", err)
	}
}

// collectRoot adds the archivable files of one storage root. Audio files
// are added per source by the caller.
func collectRoot(ctx context.Context, root, sessionName, name string, files map[string]string) error {
	from := layout.NewDir(root, sessionName)
	to := layout.NewDir(name, name)
	soundDir := from.SoundPath() + string(filepath.Separator)
	midiDir := from.MIDIPath() + string(filepath.Separator)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		top, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
		if d.IsDir() {
			if archiveSkipDirs[top] && rel == top {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || rel == layout.UnnamedMarker {
			return nil
		}
		switch {
		case strings.HasPrefix(p, soundDir):
			return nil
		case strings.HasPrefix(p, midiDir):
			files[p] = path.Join(filepath.ToSlash(to.MIDIPath()), filepath.Base(p))
			return nil
		}
		for _, suffix := range skipOnCopy {
			if strings.HasSuffix(p, suffix) {
				return nil
			}
		}
		files[p] = path.Join(name, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return fmt.Errorf("%w: scan %s: %w", ErrIO, root, err)
	}
	return nil
}
