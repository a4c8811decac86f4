package state

import (
	"slices"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
	"github.com/audiolibrelab/sessionstate/internal/model"
	"github.com/audiolibrelab/sessionstate/internal/registry"
)

// CurrentVersion is the document format written by Serialize.
const CurrentVersion = 7003

// Graph is the complete in-memory session. A loaded Graph is only handed
// out once every section was restored, so callers never see partial state.
type Graph struct {
	Name       string
	SampleRate int
	// Version is the format version the graph was loaded from.
	Version int

	Counters  *ids.Counters
	Sources   *registry.Sources
	Regions   *registry.Regions
	Playlists *registry.Playlists
	Locations *model.Locations

	Routes      []*model.Route
	RouteGroups []*model.RouteGroup
	VCAs        []*model.VCA
	Compounds   []model.CompoundAssociation
	TempoMap    model.TempoMap
	Options     *model.Options
	Metadata    *model.Metadata
	Program     model.ProgramVersion
	MixerScenes []*model.MixerScene
	IOPlugins   []*model.IOPlugin
	Script      []byte
	// SearchRoots are extra storage roots recorded in the Path section.
	SearchRoots []string

	// Opaque sections owned by collaborators.
	Bundles          *document.Node
	ControlProtocols *document.Node
	Selection        *document.Node

	// Relocations maps a missing directory to the one the user picked.
	Relocations map[string]string
	// MissingFiles lists sources that were substituted during load.
	MissingFiles []string
}

func NewGraph(name string, sampleRate int) *Graph {
	c := ids.New()
	return &Graph{
		Name:        name,
		SampleRate:  sampleRate,
		Version:     CurrentVersion,
		Counters:    c,
		Sources:     registry.NewSources(c),
		Regions:     registry.NewRegions(c),
		Playlists:   registry.NewPlaylists(c),
		Locations:   model.NewLocations(),
		TempoMap:    model.DefaultTempoMap(),
		Options:     &model.Options{},
		Metadata:    &model.Metadata{},
		Relocations: map[string]string{},
	}
}

// NewID issues a fresh object ID.
func (g *Graph) NewID() ids.ID {
	return g.Counters.NewID()
}

func (g *Graph) AddRoute(r *model.Route) {
	g.Routes = append(g.Routes, r)
	g.Counters.Advance(ids.Object, uint64(r.ID))
}

func (g *Graph) RouteByID(id ids.ID) *model.Route {
	for _, r := range g.Routes {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// SortedRoutes returns the routes ordered by ID.
func (g *Graph) SortedRoutes() []*model.Route {
	out := slices.Clone(g.Routes)
	slices.SortFunc(out, func(a, b *model.Route) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// PlaylistsInUse is the set of playlists referenced by a track.
func (g *Graph) PlaylistsInUse() map[ids.ID]bool {
	inUse := map[ids.ID]bool{}
	for _, r := range g.Routes {
		if r.IsTrack() && !r.PlaylistID.IsZero() {
			inUse[r.PlaylistID] = true
		}
	}
	return inUse
}

// SourceUses counts source references from the playlists in use, trigger
// slots and compound originals.
func (g *Graph) SourceUses() map[ids.ID]int {
	inUse := g.PlaylistsInUse()
	used := registry.New(nil, func(p *model.Playlist) ids.ID { return p.ID })
	for _, pl := range g.Playlists.Used(inUse) {
		_ = used.Add(pl)
	}
	return registry.UseCounts(g.Regions.Snapshot(), used.Snapshot(), g.Compounds)
}

// SourceUsesAll counts source references like SourceUses but from every
// playlist, including the ones no track is using.
func (g *Graph) SourceUsesAll() map[ids.ID]int {
	return registry.UseCounts(g.Regions.Snapshot(), g.Playlists.Snapshot(), g.Compounds)
}

// NestedSources returns the IDs of sources embedded in regions. They are
// written inside their region rather than in the Sources section.
func (g *Graph) NestedSources() map[ids.ID]bool {
	nested := map[ids.ID]bool{}
	collect := func(r *model.Region) {
		for _, s := range r.Nested {
			nested[s.ID] = true
		}
	}
	for _, r := range g.Regions.Snapshot().All() {
		collect(r)
	}
	for _, pl := range g.Playlists.Snapshot().All() {
		for _, r := range pl.Regions {
			collect(r)
		}
	}
	return nested
}
