package model

import (
	"fmt"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
)

// RouteKind is decided from the explicit "kind" property, never from the
// shape of the node.
type RouteKind string

const (
	AudioTrack RouteKind = "audio-track"
	MIDITrack  RouteKind = "midi-track"
	Bus        RouteKind = "bus"
	Master     RouteKind = "master"
	Monitor    RouteKind = "monitor"
	Auditioner RouteKind = "auditioner"
)

func ParseRouteKind(s string) (RouteKind, error) {
	switch k := RouteKind(s); k {
	case AudioTrack, MIDITrack, Bus, Master, Monitor, Auditioner:
		return k, nil
	default:
		return "", fmt.Errorf("unknown route kind %q", s)
	}
}

// Processor is one entry of a route's processor chain.
type Processor struct {
	ID     ids.ID
	Type   string
	Name   string
	Active bool
	// Automation is the opaque automation state of the processor.
	Automation *document.Node
}

type Route struct {
	ID         ids.ID
	Name       string
	Kind       RouteKind
	PlaylistID ids.ID
	Order      int
	Flags      string
	Processors []Processor
}

func NewAudioTrack(id ids.ID, name string, playlist ids.ID) *Route {
	return &Route{ID: id, Name: name, Kind: AudioTrack, PlaylistID: playlist}
}

func NewMIDITrack(id ids.ID, name string, playlist ids.ID) *Route {
	return &Route{ID: id, Name: name, Kind: MIDITrack, PlaylistID: playlist}
}

func NewBus(id ids.ID, name string) *Route {
	return &Route{ID: id, Name: name, Kind: Bus}
}

func NewMaster(id ids.ID) *Route {
	return &Route{ID: id, Name: "Master", Kind: Master}
}

func (r *Route) IsTrack() bool {
	return r.Kind == AudioTrack || r.Kind == MIDITrack
}

func (r *Route) IsAuditioner() bool {
	return r.Kind == Auditioner
}

// DataType is the playlist type a track carries.
func (r *Route) DataType() DataType {
	if r.Kind == MIDITrack {
		return MIDI
	}
	return Audio
}

func (r *Route) State() *document.Node {
	n := document.NewNode("Route")
	n.SetProperty("id", r.ID)
	n.SetProperty("name", r.Name)
	n.SetProperty("kind", string(r.Kind))
	if r.IsTrack() && !r.PlaylistID.IsZero() {
		n.SetProperty("playlist", r.PlaylistID)
	}
	pi := n.AddChild("PresentationInfo")
	pi.SetProperty("order", r.Order)
	if r.Flags != "" {
		pi.SetProperty("flags", r.Flags)
	}
	for _, p := range r.Processors {
		pn := n.AddChild("Processor")
		pn.SetProperty("id", p.ID)
		pn.SetProperty("type", p.Type)
		pn.SetProperty("name", p.Name)
		pn.SetProperty("active", p.Active)
		if p.Automation != nil {
			pn.AddChildNode(p.Automation.Copy())
		}
	}
	return n
}

// Template returns the route state without its playlist binding.
func (r *Route) Template() *document.Node {
	n := r.State()
	n.RemoveProperty("playlist")
	return n
}

// RouteFromState parses the current route format.
func RouteFromState(n *document.Node) (*Route, error) {
	id, ok, err := n.ID("id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("route %q has no id", n.PropertyOr("name", ""))
	}
	kind, err := ParseRouteKind(n.PropertyOr("kind", ""))
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", id, err)
	}
	r := &Route{ID: id, Name: n.PropertyOr("name", ""), Kind: kind}
	if pl, ok, err := n.ID("playlist"); err != nil {
		return nil, err
	} else if ok {
		r.PlaylistID = pl
	}
	if pi := n.Child("PresentationInfo"); pi != nil {
		if r.Order, _, err = pi.Int("order"); err != nil {
			return nil, err
		}
		r.Flags = pi.PropertyOr("flags", "")
	}
	procs, err := ProcessorsFromState(n)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", id, err)
	}
	r.Processors = procs
	return r, nil
}

// ProcessorsFromState reads the Processor children of a route node.
func ProcessorsFromState(n *document.Node) ([]Processor, error) {
	var out []Processor
	for _, pn := range n.ChildrenNamed("Processor") {
		pid, _, err := pn.ID("id")
		if err != nil {
			return nil, err
		}
		p := Processor{
			ID:   pid,
			Type: pn.PropertyOr("type", ""),
			Name: pn.PropertyOr("name", ""),
		}
		if p.Type == "" {
			return nil, fmt.Errorf("processor %q has no type", p.Name)
		}
		p.Active, _ = pn.Bool("active")
		if auto := pn.Child("Automation"); auto != nil {
			p.Automation = auto.Copy()
		}
		out = append(out, p)
	}
	return out, nil
}
