package model

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
)

type RouteGroup struct {
	Name   string
	Active bool
	Routes []ids.ID
}

func (g *RouteGroup) State() *document.Node {
	n := document.NewNode("RouteGroup")
	n.SetProperty("name", g.Name)
	n.SetProperty("active", g.Active)
	parts := make([]string, len(g.Routes))
	for i, id := range g.Routes {
		parts[i] = id.String()
	}
	n.SetProperty("routes", strings.Join(parts, " "))
	return n
}

func RouteGroupFromState(n *document.Node) (*RouteGroup, error) {
	g := &RouteGroup{Name: n.PropertyOr("name", "")}
	g.Active, _ = n.Bool("active")
	for _, f := range strings.Fields(n.PropertyOr("routes", "")) {
		id, err := ids.ParseID(f)
		if err != nil {
			return nil, fmt.Errorf("route group %q: %w", g.Name, err)
		}
		g.Routes = append(g.Routes, id)
	}
	return g, nil
}

type VCA struct {
	ID     ids.ID
	Number int
	Name   string
}

func VCAManagerState(vcas []*VCA) *document.Node {
	n := document.NewNode("VCAManager")
	for _, v := range vcas {
		c := n.AddChild("VCA")
		c.SetProperty("id", v.ID)
		c.SetProperty("number", v.Number)
		c.SetProperty("name", v.Name)
	}
	return n
}

func VCAsFromState(n *document.Node) ([]*VCA, error) {
	var out []*VCA
	for _, c := range n.ChildrenNamed("VCA") {
		id, _, err := c.ID("id")
		if err != nil {
			return nil, err
		}
		num, _, err := c.Int("number")
		if err != nil {
			return nil, err
		}
		out = append(out, &VCA{ID: id, Number: num, Name: c.PropertyOr("name", "")})
	}
	return out, nil
}

type Tempo struct {
	Sample   int64
	BPM      float64
	NoteType int
}

type Meter struct {
	Sample    int64
	Divisions int
	NoteValue int
}

// TempoMap is needed before any time value in the document can be read.
type TempoMap struct {
	Tempos []Tempo
	Meters []Meter
}

func DefaultTempoMap() TempoMap {
	return TempoMap{
		Tempos: []Tempo{{Sample: 0, BPM: 120, NoteType: 4}},
		Meters: []Meter{{Sample: 0, Divisions: 4, NoteValue: 4}},
	}
}

func (m TempoMap) State() *document.Node {
	n := document.NewNode("TempoMap")
	tempos := n.AddChild("Tempos")
	for _, t := range m.Tempos {
		c := tempos.AddChild("Tempo")
		c.SetProperty("sample", t.Sample)
		c.SetProperty("bpm", t.BPM)
		c.SetProperty("note-type", t.NoteType)
	}
	meters := n.AddChild("Meters")
	for _, mt := range m.Meters {
		c := meters.AddChild("Meter")
		c.SetProperty("sample", mt.Sample)
		c.SetProperty("divisions", mt.Divisions)
		c.SetProperty("note-value", mt.NoteValue)
	}
	return n
}

func TempoMapFromState(n *document.Node) (TempoMap, error) {
	var m TempoMap
	if tempos := n.Child("Tempos"); tempos != nil {
		for _, c := range tempos.ChildrenNamed("Tempo") {
			var t Tempo
			var err error
			if t.Sample, _, err = c.Int64("sample"); err != nil {
				return m, err
			}
			if t.BPM, _, err = c.Float64("bpm"); err != nil {
				return m, err
			}
			if t.NoteType, _, err = c.Int("note-type"); err != nil {
				return m, err
			}
			if t.BPM <= 0 {
				return m, fmt.Errorf("tempo at %d has invalid bpm %g", t.Sample, t.BPM)
			}
			m.Tempos = append(m.Tempos, t)
		}
	}
	if meters := n.Child("Meters"); meters != nil {
		for _, c := range meters.ChildrenNamed("Meter") {
			var mt Meter
			var err error
			if mt.Sample, _, err = c.Int64("sample"); err != nil {
				return m, err
			}
			if mt.Divisions, _, err = c.Int("divisions"); err != nil {
				return m, err
			}
			if mt.NoteValue, _, err = c.Int("note-value"); err != nil {
				return m, err
			}
			m.Meters = append(m.Meters, mt)
		}
	}
	if len(m.Tempos) == 0 {
		m.Tempos = DefaultTempoMap().Tempos
	}
	if len(m.Meters) == 0 {
		m.Meters = DefaultTempoMap().Meters
	}
	return m, nil
}

// Option is one session configuration variable.
type Option struct {
	Name  string
	Value string
}

// Options keeps configuration variables in insertion order.
type Options struct {
	list []Option
}

// Search-path options are never written into templates.
const (
	OptAudioSearchPath = "audio-search-path"
	OptMIDISearchPath  = "midi-search-path"
	OptRaidPath        = "raid-path"
)

func (o *Options) Get(name string) (string, bool) {
	for _, opt := range o.list {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return "", false
}

func (o *Options) Set(name, value string) {
	for i := range o.list {
		if o.list[i].Name == name {
			o.list[i].Value = value
			return
		}
	}
	o.list = append(o.list, Option{Name: name, Value: value})
}

func (o *Options) Delete(name string) {
	for i := range o.list {
		if o.list[i].Name == name {
			o.list = append(o.list[:i], o.list[i+1:]...)
			return
		}
	}
}

func (o *Options) List() []Option {
	return append([]Option(nil), o.list...)
}

func (o *Options) Clone() *Options {
	return &Options{list: o.List()}
}

// AppendSearchPath adds dir to a colon separated search-path option unless present.
func (o *Options) AppendSearchPath(name, dir string) {
	cur, _ := o.Get(name)
	for _, p := range strings.Split(cur, ":") {
		if p == dir {
			return
		}
	}
	if cur == "" {
		o.Set(name, dir)
		return
	}
	o.Set(name, cur+":"+dir)
}

func (o *Options) State() *document.Node {
	n := document.NewNode("Config")
	for _, opt := range o.list {
		c := n.AddChild("Option")
		c.SetProperty("name", opt.Name)
		c.SetProperty("value", opt.Value)
	}
	return n
}

func OptionsFromState(n *document.Node) *Options {
	o := &Options{}
	for _, c := range n.ChildrenNamed("Option") {
		name, ok := c.Property("name")
		if !ok {
			continue
		}
		o.Set(name, c.PropertyOr("value", ""))
	}
	return o
}

type Metadata struct {
	Fields []Option
}

func (m *Metadata) Set(name, value string) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			m.Fields[i].Value = value
			return
		}
	}
	m.Fields = append(m.Fields, Option{Name: name, Value: value})
}

func (m *Metadata) Get(name string) string {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func (m *Metadata) State() *document.Node {
	n := document.NewNode("Metadata")
	for _, f := range m.Fields {
		c := n.AddChild("Field")
		c.SetProperty("name", f.Name)
		c.SetProperty("value", f.Value)
	}
	return n
}

func MetadataFromState(n *document.Node) *Metadata {
	m := &Metadata{}
	for _, c := range n.ChildrenNamed("Field") {
		m.Set(c.PropertyOr("name", ""), c.PropertyOr("value", ""))
	}
	return m
}

type MixerScene struct {
	Index int
	Name  string
	State *document.Node
}

type IOPlugin struct {
	ID   ids.ID
	Name string
	Pre  bool
}

func (p *IOPlugin) StateNode() *document.Node {
	n := document.NewNode("IOPlug")
	n.SetProperty("id", p.ID)
	n.SetProperty("name", p.Name)
	n.SetProperty("pre", p.Pre)
	return n
}

func IOPluginFromState(n *document.Node) (*IOPlugin, error) {
	id, ok, err := n.ID("id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("io plugin %q has no id", n.PropertyOr("name", ""))
	}
	p := &IOPlugin{ID: id, Name: n.PropertyOr("name", "")}
	p.Pre, _ = n.Bool("pre")
	return p, nil
}

// ProgramVersion records which program created and last modified a document.
type ProgramVersion struct {
	CreatedWith  string
	ModifiedWith string
}

func (v ProgramVersion) State() *document.Node {
	n := document.NewNode("ProgramVersion")
	n.SetProperty("created-with", v.CreatedWith)
	n.SetProperty("modified-with", v.ModifiedWith)
	return n
}

func ProgramVersionFromState(n *document.Node) ProgramVersion {
	return ProgramVersion{
		CreatedWith:  n.PropertyOr("created-with", ""),
		ModifiedWith: n.PropertyOr("modified-with", ""),
	}
}
