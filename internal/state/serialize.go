package state

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/model"
)

// Transition says how a save relates to the current snapshot.
type Transition int

const (
	// NormalSave writes the current snapshot.
	NormalSave Transition = iota
	// SnapshotKeep writes a new snapshot but stays on the current one.
	SnapshotKeep
	// SwitchToSnapshot writes a new snapshot and makes it current.
	SwitchToSnapshot
)

type Options struct {
	Template       bool
	ForArchive     bool
	OnlyUsedAssets bool
	Transition     Transition
}

// Serialize builds the session document. Sources flush their editable
// models first; flush failures are collected and returned together with a
// complete document, so a non-nil error does not mean the document is
// unusable.
func Serialize(g *Graph, opts Options) (*document.Node, error) {
	var flushErrs *multierror.Error

	root := document.NewNode("Session")
	root.SetProperty("version", CurrentVersion)
	root.SetProperty("name", g.Name)
	root.SetProperty("sample-rate", g.SampleRate)
	values := g.Counters.Values()
	for _, k := range ids.Kinds() {
		root.SetProperty(k.String(), values[k])
	}

	root.AddChildNode(g.Program.State())
	root.AddChildNode(optionsState(g.Options, opts))
	root.AddChildNode(g.Metadata.State())

	if len(g.SearchRoots) > 0 && !opts.Template && !opts.ForArchive {
		p := root.AddChild("Path")
		for _, dir := range g.SearchRoots {
			p.AddChild("Root").SetProperty("path", dir)
		}
	}

	uses := g.SourceUses()
	written := map[ids.ID]bool{}
	sources := root.AddChild("Sources")
	if !opts.Template {
		nested := g.NestedSources()
		for id, src := range g.Sources.Snapshot().All() {
			if nested[id] {
				continue
			}
			if err := src.SessionSaved(); err != nil {
				slog.Error("Could not flush source model", "source", src.Name, "error", err)
				flushErrs = multierror.Append(flushErrs, err)
			}
			if src.Empty() && uses[id] == 0 {
				continue
			}
			if opts.OnlyUsedAssets && uses[id] == 0 {
				continue
			}
			node := src.State()
			if opts.Transition != NormalSave && src.Type == model.MIDI && src.WithinSession && src.Path != "" {
				forked, err := forkMIDISource(g, src, opts.Transition)
				if err != nil {
					slog.Error("Could not copy MIDI source for new snapshot", "source", src.Name, "error", err)
					flushErrs = multierror.Append(flushErrs, err)
				} else {
					node = forked
				}
			}
			sources.AddChildNode(node)
			written[id] = true
		}
	}

	regions := root.AddChild("Regions")
	if !opts.Template {
		for _, r := range g.Regions.Snapshot().All() {
			if !r.Playlist.IsZero() || !allWritten(r, written) {
				continue
			}
			regions.AddChildNode(r.State())
		}
	}

	if len(g.Compounds) > 0 && !opts.Template {
		ca := root.AddChild("CompoundAssociations")
		for _, c := range g.Compounds {
			n := ca.AddChild("CompoundAssociation")
			n.SetProperty("copy", c.Copy)
			n.SetProperty("original", c.Original)
		}
	}

	if opts.Template {
		root.AddChildNode(templateLocations(g.Locations))
	} else {
		root.AddChildNode(g.Locations.State())
	}

	root.AddChildNode(sectionOrEmpty(g.Bundles, "Bundles"))
	root.AddChildNode(model.VCAManagerState(g.VCAs))

	routes := root.AddChild("Routes")
	for _, r := range g.SortedRoutes() {
		if r.IsAuditioner() {
			continue
		}
		if opts.Template {
			routes.AddChildNode(r.Template())
		} else {
			routes.AddChildNode(r.State())
		}
	}

	playlists := root.AddChild("Playlists")
	if !opts.Template {
		inUse := g.PlaylistsInUse()
		for _, pl := range g.Playlists.Used(inUse) {
			playlists.AddChildNode(pl.State())
		}
		if !opts.OnlyUsedAssets {
			unused := root.AddChild("UnusedPlaylists")
			for _, pl := range g.Playlists.Unused(inUse) {
				unused.AddChildNode(pl.State())
			}
		}
	}

	groups := root.AddChild("RouteGroups")
	for _, rg := range g.RouteGroups {
		groups.AddChildNode(rg.State())
	}

	root.AddChildNode(sectionOrEmpty(g.ControlProtocols, "ControlProtocols"))
	if len(g.Script) > 0 {
		root.AddChild("Script").SetContent(base64.StdEncoding.EncodeToString(g.Script))
	}
	root.AddChildNode(g.TempoMap.State())

	if len(g.MixerScenes) > 0 {
		ms := root.AddChild("MixerScenes")
		ms.SetProperty("n-scenes", len(g.MixerScenes))
		for _, scene := range g.MixerScenes {
			n := ms.AddChild("MixerScene")
			n.SetProperty("index", scene.Index)
			n.SetProperty("name", scene.Name)
			if scene.State != nil {
				n.AddChildNode(scene.State.Copy())
			}
		}
	}

	iop := root.AddChild("IOPlugins")
	for _, p := range g.IOPlugins {
		iop.AddChildNode(p.StateNode())
	}
	if g.Selection != nil && !opts.Template {
		root.AddChildNode(g.Selection.Copy())
	}

	return root, flushErrs.ErrorOrNil()
}

// sectionOrEmpty copies a collaborator-owned section, writing an empty one
// when the collaborator has nothing saved.
func sectionOrEmpty(n *document.Node, name string) *document.Node {
	if n == nil {
		return document.NewNode(name)
	}
	return n.Copy()
}

func allWritten(r *model.Region, written map[ids.ID]bool) bool {
	for _, s := range r.Sources {
		if !written[s] && !nestedIn(r, s) {
			return false
		}
	}
	return true
}

func nestedIn(r *model.Region, id ids.ID) bool {
	for _, n := range r.Nested {
		if n.ID == id {
			return true
		}
	}
	return false
}

// optionsState drops machine specific search paths from templates.
func optionsState(o *model.Options, opts Options) *document.Node {
	n := o.State()
	if opts.Template {
		for _, key := range []string{model.OptAudioSearchPath, model.OptMIDISearchPath, model.OptRaidPath} {
			n.RemoveChildrenWith("Option", "name", key)
		}
	}
	return n
}

// templateLocations keeps only the session range.
func templateLocations(ls *model.Locations) *document.Node {
	fresh := model.NewLocations()
	if sr := ls.SessionRange(); sr != nil {
		c := *sr
		c.Scene = nil
		_ = fresh.Add(&c)
	}
	return fresh.State()
}

// forkMIDISource copies a MIDI file so two snapshots stop sharing it. The
// document always names the copy. When switching, the live source moves to
// the copy too and the old snapshot keeps the original file.
func forkMIDISource(g *Graph, src *model.Source, t Transition) (*document.Node, error) {
	ext := filepath.Ext(src.Name)
	stem := strings.TrimSuffix(src.Name, ext)
	name := fmt.Sprintf("%s-%d%s", stem, g.Counters.Next(ids.Name), ext)
	newPath := filepath.Join(filepath.Dir(src.Path), name)

	if _, err := os.Stat(src.Path); err == nil {
		if err := layout.CopyFile(src.Path, newPath); err != nil {
			return nil, fmt.Errorf("copy MIDI file %s: %w", src.Path, err)
		}
	} else if err := os.WriteFile(newPath, emptySMF, 0644); err != nil {
		return nil, fmt.Errorf("create MIDI file %s: %w", newPath, err)
	}

	if t == SwitchToSnapshot {
		src.Name = name
		src.Path = newPath
		return src.State(), nil
	}
	c := src.Clone()
	c.Name = name
	return c.State(), nil
}

// emptySMF is a format 0 file with one empty track.
var emptySMF = []byte{
	'M', 'T', 'h', 'd', 0, 0, 0, 6, 0, 0, 0, 1, 0x03, 0xC0,
	'M', 'T', 'r', 'k', 0, 0, 0, 4, 0x00, 0xFF, 0x2F, 0x00,
}
