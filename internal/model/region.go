package model

import (
	"fmt"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
)

// Region is a time-bounded view onto one source per channel.
type Region struct {
	ID            ids.ID
	Name          string
	Type          DataType
	Sources       []ids.ID
	MasterSources []ids.ID
	Start         int64
	Length        int64
	Position      int64
	Layer         int
	RegionGroup   uint64
	WholeFile     bool
	Automatic     bool
	// Trigger is set when a trigger slot holds the region outside any playlist.
	Trigger bool
	// Nested holds non-file sources embedded in compound regions.
	Nested []*Source

	// Playlist is the owning playlist, zero when orphaned. Not persisted.
	Playlist ids.ID
}

func NewAudioRegion(id ids.ID, name string, sources ...ids.ID) *Region {
	return &Region{ID: id, Name: name, Type: Audio, Sources: sources}
}

func NewMIDIRegion(id ids.ID, name string, source ids.ID) *Region {
	return &Region{ID: id, Name: name, Type: MIDI, Sources: []ids.ID{source}}
}

// NewWholeFileRegion spans all of src.
func NewWholeFileRegion(id ids.ID, name string, src *Source) *Region {
	r := &Region{
		ID:        id,
		Name:      name,
		Type:      src.Type,
		Sources:   []ids.ID{src.ID},
		Start:     0,
		Length:    src.Length,
		WholeFile: true,
		Automatic: true,
	}
	return r
}

func (r *Region) UsesSource(id ids.ID) bool {
	for _, s := range r.Sources {
		if s == id {
			return true
		}
	}
	for _, s := range r.MasterSources {
		if s == id {
			return true
		}
	}
	return false
}

func (r *Region) Clone() *Region {
	c := *r
	c.Sources = append([]ids.ID(nil), r.Sources...)
	c.MasterSources = append([]ids.ID(nil), r.MasterSources...)
	c.Nested = nil
	for _, n := range r.Nested {
		c.Nested = append(c.Nested, n.Clone())
	}
	return &c
}

func (r *Region) State() *document.Node {
	n := document.NewNode("Region")
	n.SetProperty("name", r.Name)
	n.SetProperty("id", r.ID)
	n.SetProperty("type", string(r.Type))
	n.SetProperty("start", r.Start)
	n.SetProperty("length", r.Length)
	n.SetProperty("position", r.Position)
	n.SetProperty("layer", r.Layer)
	n.SetProperty("whole-file", r.WholeFile)
	n.SetProperty("automatic", r.Automatic)
	if r.RegionGroup != 0 {
		n.SetProperty("rgroup", r.RegionGroup)
	}
	if r.Trigger {
		n.SetProperty("trigger", true)
	}
	n.SetProperty("channels", len(r.Sources))
	for i, s := range r.Sources {
		n.SetProperty(fmt.Sprintf("source-%d", i), s)
	}
	for i, s := range r.MasterSources {
		n.SetProperty(fmt.Sprintf("master-source-%d", i), s)
	}
	if len(r.Nested) > 0 {
		nested := n.AddChild("NestedSource")
		for _, s := range r.Nested {
			nested.AddChildNode(s.State())
		}
	}
	return n
}

// RegionFromState parses the current region format. The caller has already
// normalised legacy attribute names.
func RegionFromState(n *document.Node) (*Region, error) {
	if n.Name() != "Region" {
		return nil, fmt.Errorf("expected Region node, got %s", n.Name())
	}
	name, ok := n.Property("name")
	if !ok {
		return nil, fmt.Errorf("region has no name")
	}
	id, ok, err := n.ID("id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("region %q has no id", name)
	}
	t, err := ParseDataType(n.PropertyOr("type", "audio"))
	if err != nil {
		return nil, fmt.Errorf("region %q: %w", name, err)
	}
	r := &Region{ID: id, Name: name, Type: t}

	channels := 1
	if v, ok, err := n.Int("channels"); err != nil {
		return nil, err
	} else if ok && v > 0 {
		channels = v
	}
	if t == MIDI {
		channels = 1
	}
	for i := 0; i < channels; i++ {
		sid, ok, err := n.ID(fmt.Sprintf("source-%d", i))
		if err != nil {
			return nil, err
		}
		if !ok {
			if i == 0 {
				return nil, fmt.Errorf("region %q is incomplete (no source)", name)
			}
			continue
		}
		r.Sources = append(r.Sources, sid)
	}
	for i := 0; i < channels; i++ {
		sid, ok, err := n.ID(fmt.Sprintf("master-source-%d", i))
		if err != nil {
			return nil, err
		}
		if ok {
			r.MasterSources = append(r.MasterSources, sid)
		}
	}

	for _, f := range []struct {
		key string
		dst *int64
	}{{"start", &r.Start}, {"length", &r.Length}, {"position", &r.Position}} {
		v, ok, err := n.Int64(f.key)
		if err != nil {
			return nil, err
		}
		if ok {
			*f.dst = v
		}
	}
	if v, ok, err := n.Int("layer"); err != nil {
		return nil, err
	} else if ok {
		r.Layer = v
	}
	if v, ok, err := n.Uint64("rgroup"); err != nil {
		return nil, err
	} else if ok {
		r.RegionGroup = v
	}
	r.WholeFile, _ = n.Bool("whole-file")
	r.Automatic, _ = n.Bool("automatic")
	r.Trigger, _ = n.Bool("trigger")

	if nested := n.Child("NestedSource"); nested != nil {
		for _, sn := range nested.ChildrenNamed("Source") {
			s, err := SourceFromState(sn)
			if err != nil {
				return nil, fmt.Errorf("region %q nested source: %w", name, err)
			}
			r.Nested = append(r.Nested, s)
		}
	}
	return r, nil
}

// CompoundAssociation links a derived region to the region it was made from.
type CompoundAssociation struct {
	Copy     ids.ID
	Original ids.ID
}
