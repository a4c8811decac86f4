package model

import (
	"fmt"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
)

// Playlist is the ordered region list of a track.
type Playlist struct {
	ID          ids.ID
	Name        string
	Type        DataType
	OrigTrackID ids.ID
	Frozen      bool
	Regions     []*Region
}

func NewPlaylist(id ids.ID, name string, t DataType) *Playlist {
	return &Playlist{ID: id, Name: name, Type: t}
}

// Add appends r and records the back-reference.
func (p *Playlist) Add(r *Region) {
	r.Playlist = p.ID
	p.Regions = append(p.Regions, r)
}

// RemoveRegion drops every entry with the given region ID.
func (p *Playlist) RemoveRegion(id ids.ID) bool {
	kept := p.Regions[:0]
	removed := false
	for _, r := range p.Regions {
		if r.ID == id {
			r.Playlist = 0
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	p.Regions = kept
	return removed
}

func (p *Playlist) HasRegion(id ids.ID) bool {
	for _, r := range p.Regions {
		if r.ID == id {
			return true
		}
	}
	return false
}

// SourceIDs returns every source referenced by the playlist's regions.
func (p *Playlist) SourceIDs() []ids.ID {
	var out []ids.ID
	for _, r := range p.Regions {
		out = append(out, r.Sources...)
		out = append(out, r.MasterSources...)
	}
	return out
}

func (p *Playlist) State() *document.Node {
	n := document.NewNode("Playlist")
	n.SetProperty("id", p.ID)
	n.SetProperty("name", p.Name)
	n.SetProperty("type", string(p.Type))
	if !p.OrigTrackID.IsZero() {
		n.SetProperty("orig-track-id", p.OrigTrackID)
	}
	n.SetProperty("frozen", p.Frozen)
	for _, r := range p.Regions {
		n.AddChildNode(r.State())
	}
	return n
}

// PlaylistFromState parses the playlist header. Regions are parsed by the
// caller so legacy region formats can be normalised first.
func PlaylistFromState(n *document.Node) (*Playlist, error) {
	if n.Name() != "Playlist" {
		return nil, fmt.Errorf("expected Playlist node, got %s", n.Name())
	}
	id, ok, err := n.ID("id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("playlist %q has no id", n.PropertyOr("name", ""))
	}
	t, err := ParseDataType(n.PropertyOr("type", "audio"))
	if err != nil {
		return nil, err
	}
	p := NewPlaylist(id, n.PropertyOr("name", ""), t)
	if orig, ok, err := n.ID("orig-track-id"); err != nil {
		return nil, err
	} else if ok {
		p.OrigTrackID = orig
	}
	p.Frozen, _ = n.Bool("frozen")
	return p, nil
}
