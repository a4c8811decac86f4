package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/metrics"
	"github.com/audiolibrelab/sessionstate/internal/state"
)

// SaveTemplate writes the session as a reusable template to
// <dir>/<name>/<name>.template, together with its plugin state. An
// existing template is only overwritten when replace is set.
func (s *Session) SaveTemplate(ctx context.Context, dir, name, description string, replace bool) (path string, err error) {
	defer func() { metrics.Operation("save-template", err) }()

	if name == "" || layout.LegalizeForPath(name) != name {
		return "", fmt.Errorf("%w: %q is not a usable template name", ErrConfiguration, name)
	}
	tdir := filepath.Join(dir, name)
	path = filepath.Join(tdir, name+layout.TemplateSuffix)
	if exists(path) && !replace {
		return "", fmt.Errorf("%w: template %s", ErrNameCollision, path)
	}
	if err := os.MkdirAll(tdir, 0755); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, tdir, err)
	}

	s.saveMu.Lock()
	doc, flushErr := state.Serialize(s.Graph(), state.Options{Template: true})
	s.saveMu.Unlock()
	if flushErr != nil {
		slog.Warn("Some sources could not be flushed", "error", flushErr)
	}
	if description != "" {
		doc.AddChild("description").SetContent(description)
	}
	data, err := document.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode template: %w", err)
	}
	if err := layout.AtomicWrite(path, data); err != nil {
		return "", err
	}

	plugins := s.Dir().PluginsPath()
	if exists(plugins) {
		dst := filepath.Join(tdir, layout.PluginsDir)
		if replace {
			if err := os.RemoveAll(dst); err != nil {
				return "", fmt.Errorf("%w: remove %s: %w", ErrIO, dst, err)
			}
		}
		if err := layout.CopyTree(ctx, plugins, dst, nil, nil); err != nil {
			return "", err
		}
	}
	slog.Info("Template saved", "path", path)
	return path, nil
}

// TemplateDescription reads the description stored in a template file.
func TemplateDescription(path string) (string, error) {
	root, err := document.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read template: %w", ErrIO, err)
	}
	if d := root.Child("description"); d != nil {
		return d.Content(), nil
	}
	return "", nil
}
