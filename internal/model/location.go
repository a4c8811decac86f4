package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
)

type LocationFlags uint32

const (
	IsMark LocationFlags = 1 << iota
	IsAutoPunch
	IsAutoLoop
	IsHidden
	IsCDMarker
	IsRangeMarker
	IsSessionRange
	IsSkip
	IsClockOrigin
	IsXrun
	IsCueMarker
	IsSection
	IsScene
	IsLocked
)

var locationFlagNames = []struct {
	flag LocationFlags
	name string
}{
	{IsMark, "IsMark"},
	{IsAutoPunch, "IsAutoPunch"},
	{IsAutoLoop, "IsAutoLoop"},
	{IsHidden, "IsHidden"},
	{IsCDMarker, "IsCDMarker"},
	{IsRangeMarker, "IsRangeMarker"},
	{IsSessionRange, "IsSessionRange"},
	{IsSkip, "IsSkip"},
	{IsClockOrigin, "IsClockOrigin"},
	{IsXrun, "IsXrun"},
	{IsCueMarker, "IsCueMarker"},
	{IsSection, "IsSection"},
	{IsScene, "IsScene"},
	{IsLocked, "IsLocked"},
}

func (f LocationFlags) String() string {
	var parts []string
	for _, fn := range locationFlagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ",")
}

func ParseLocationFlags(s string) (LocationFlags, error) {
	var f LocationFlags
	if s == "" {
		return 0, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for _, fn := range locationFlagNames {
			if fn.name == part {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown location flag %q", part)
		}
	}
	return f, nil
}

// Location is a marker or range in session time.
type Location struct {
	ID    ids.ID
	Name  string
	Start int64
	End   int64
	Flags LocationFlags
	Cue   int
	// Scene is the opaque scene-change payload, if any.
	Scene *document.Node
}

func (l *Location) IsMark() bool { return l.Flags&IsMark != 0 }

func (l *Location) State() *document.Node {
	n := document.NewNode("Location")
	n.SetProperty("id", l.ID)
	n.SetProperty("name", l.Name)
	n.SetProperty("start", l.Start)
	n.SetProperty("end", l.End)
	n.SetProperty("flags", l.Flags.String())
	if l.Flags&IsCueMarker != 0 {
		n.SetProperty("cue", l.Cue)
	}
	if l.Scene != nil {
		n.AddChildNode(l.Scene.Copy())
	}
	return n
}

func LocationFromState(n *document.Node) (*Location, error) {
	id, ok, err := n.ID("id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("location %q has no id", n.PropertyOr("name", ""))
	}
	l := &Location{ID: id, Name: n.PropertyOr("name", "")}
	if l.Start, _, err = n.Int64("start"); err != nil {
		return nil, err
	}
	if l.End, _, err = n.Int64("end"); err != nil {
		return nil, err
	}
	if l.Flags, err = ParseLocationFlags(n.PropertyOr("flags", "")); err != nil {
		return nil, fmt.Errorf("location %s: %w", id, err)
	}
	if l.Cue, _, err = n.Int("cue"); err != nil {
		return nil, err
	}
	if scene := n.Child("SceneChange"); scene != nil {
		l.Scene = scene.Copy()
	}
	if l.End < l.Start && l.Flags&IsMark == 0 {
		return nil, fmt.Errorf("location %s: end %d before start %d", id, l.End, l.Start)
	}
	return l, nil
}

// singletonFlags may be carried by at most one location.
var singletonFlags = []LocationFlags{IsSessionRange, IsAutoLoop, IsAutoPunch}

// Locations is the session's marker and range list.
type Locations struct {
	mu       sync.RWMutex
	list     []*Location
	onChange []func(*Location)
}

func NewLocations() *Locations {
	return &Locations{}
}

// Add inserts l, refusing a second session range, loop or punch range.
func (ls *Locations) Add(l *Location) error {
	ls.mu.Lock()
	for _, f := range singletonFlags {
		if l.Flags&f == 0 {
			continue
		}
		for _, other := range ls.list {
			if other.Flags&f != 0 {
				ls.mu.Unlock()
				return fmt.Errorf("location %q: a %s location already exists", l.Name, f)
			}
		}
	}
	for _, other := range ls.list {
		if other.ID == l.ID {
			ls.mu.Unlock()
			return fmt.Errorf("location %s already present", l.ID)
		}
	}
	ls.list = append(ls.list, l)
	callbacks := append([]func(*Location){}, ls.onChange...)
	ls.mu.Unlock()

	for _, cb := range callbacks {
		cb(l)
	}
	return nil
}

func (ls *Locations) Remove(id ids.ID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, l := range ls.list {
		if l.ID == id {
			ls.list = append(ls.list[:i], ls.list[i+1:]...)
			return true
		}
	}
	return false
}

// OnChange registers a callback fired after a location is added.
func (ls *Locations) OnChange(cb func(*Location)) {
	ls.mu.Lock()
	ls.onChange = append(ls.onChange, cb)
	ls.mu.Unlock()
}

// List returns the locations sorted by start time, then ID.
func (ls *Locations) List() []*Location {
	ls.mu.RLock()
	out := append([]*Location(nil), ls.list...)
	ls.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (ls *Locations) find(f LocationFlags) *Location {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, l := range ls.list {
		if l.Flags&f != 0 {
			return l
		}
	}
	return nil
}

func (ls *Locations) SessionRange() *Location { return ls.find(IsSessionRange) }
func (ls *Locations) AutoLoop() *Location     { return ls.find(IsAutoLoop) }
func (ls *Locations) AutoPunch() *Location    { return ls.find(IsAutoPunch) }

func (ls *Locations) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.list)
}

func (ls *Locations) State() *document.Node {
	n := document.NewNode("Locations")
	for _, l := range ls.List() {
		n.AddChildNode(l.State())
	}
	return n
}

func LocationsFromState(n *document.Node) (*Locations, error) {
	ls := NewLocations()
	for _, c := range n.ChildrenNamed("Location") {
		l, err := LocationFromState(c)
		if err != nil {
			return nil, err
		}
		if err := ls.Add(l); err != nil {
			return nil, err
		}
	}
	return ls, nil
}
