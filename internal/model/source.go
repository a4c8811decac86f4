package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
)

// DataType is the media kind carried by a source, region or playlist.
type DataType string

const (
	Audio DataType = "audio"
	MIDI  DataType = "midi"
)

func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "", "audio":
		return Audio, nil
	case "midi":
		return MIDI, nil
	default:
		return "", fmt.Errorf("unknown data type %q", s)
	}
}

// SourceFlags mirror the on-disk flag names.
type SourceFlags uint32

const (
	Writable SourceFlags = 1 << iota
	CanRename
	Broadcast
	Removable
	RemovableIfEmpty
	NoPeakFile
	Destructive
	Empty
)

var sourceFlagNames = []struct {
	flag SourceFlags
	name string
}{
	{Writable, "Writable"},
	{CanRename, "CanRename"},
	{Broadcast, "Broadcast"},
	{Removable, "Removable"},
	{RemovableIfEmpty, "RemovableIfEmpty"},
	{NoPeakFile, "NoPeakFile"},
	{Destructive, "Destructive"},
	{Empty, "Empty"},
}

func (f SourceFlags) String() string {
	var parts []string
	for _, fn := range sourceFlagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ",")
}

func ParseSourceFlags(s string) (SourceFlags, error) {
	var f SourceFlags
	if s == "" {
		return 0, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for _, fn := range sourceFlagNames {
			if fn.name == part {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown source flag %q", part)
		}
	}
	return f, nil
}

// MIDIModel is the in-memory, editable representation of a MIDI source.
type MIDIModel interface {
	Dirty() bool
	Flush(path string) error
}

// Source is one audio or MIDI backing file.
type Source struct {
	ID     ids.ID
	Name   string
	Type   DataType
	Path   string
	Origin string
	Length int64
	// Channel selects the channel within a multichannel file.
	Channel int
	Gain    float64
	Flags   SourceFlags

	WithinSession bool
	// Silent marks a substitute created for a missing file. Its state is
	// saved unchanged so the file is picked up again once it reappears.
	Silent bool

	Model MIDIModel
}

func NewSource(id ids.ID, name string, t DataType) *Source {
	return &Source{
		ID:            id,
		Name:          name,
		Type:          t,
		Gain:          1.0,
		WithinSession: !filepath.IsAbs(name),
	}
}

func (s *Source) Empty() bool {
	return s.Length == 0
}

// IsStub reports a removable, empty source whose file was never written.
// Nascent capture files look like this and cleanup must leave them alone.
func (s *Source) IsStub() bool {
	if !s.Empty() || s.Flags&(Removable|RemovableIfEmpty) == 0 {
		return false
	}
	if s.Path == "" {
		return true
	}
	_, err := os.Stat(s.Path)
	return os.IsNotExist(err)
}

// SessionSaved flushes a dirty MIDI model to the backing file.
func (s *Source) SessionSaved() error {
	if s.Model == nil || !s.Model.Dirty() {
		return nil
	}
	if s.Path == "" {
		return fmt.Errorf("source %s has no path to flush to", s.ID)
	}
	if err := s.Model.Flush(s.Path); err != nil {
		return fmt.Errorf("flush source %s (%s): %w", s.ID, s.Name, err)
	}
	return nil
}

// Clone copies the persisted fields. The MIDI model is shared.
func (s *Source) Clone() *Source {
	c := *s
	return &c
}

func (s *Source) State() *document.Node {
	n := document.NewNode("Source")
	n.SetProperty("name", s.Name)
	n.SetProperty("type", string(s.Type))
	n.SetProperty("flags", s.Flags.String())
	n.SetProperty("id", s.ID)
	n.SetProperty("channel", s.Channel)
	if s.Origin != "" {
		n.SetProperty("origin", s.Origin)
	}
	n.SetProperty("length", s.Length)
	if s.Gain != 1.0 {
		n.SetProperty("gain", s.Gain)
	}
	return n
}

// SourceFromState builds a source from its node. Path resolution is left to
// the caller because it depends on the session's search directories.
func SourceFromState(n *document.Node) (*Source, error) {
	if n.Name() != "Source" {
		return nil, fmt.Errorf("expected Source node, got %s", n.Name())
	}
	id, ok, err := n.ID("id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("source has no id")
	}
	name, ok := n.Property("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("source %s has no name", id)
	}
	t, err := ParseDataType(n.PropertyOr("type", "audio"))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", id, err)
	}
	s := NewSource(id, name, t)
	if s.Flags, err = ParseSourceFlags(n.PropertyOr("flags", "")); err != nil {
		return nil, fmt.Errorf("source %s: %w", id, err)
	}
	if v, ok, err := n.Int("channel"); err != nil {
		return nil, err
	} else if ok {
		s.Channel = v
	}
	if v, ok, err := n.Int64("length"); err != nil {
		return nil, err
	} else if ok {
		s.Length = v
	}
	if v, ok, err := n.Float64("gain"); err != nil {
		return nil, err
	} else if ok {
		s.Gain = v
	}
	s.Origin = n.PropertyOr("origin", "")
	return s, nil
}

// BytesModel is a MIDIModel holding raw SMF bytes.
type BytesModel struct {
	Data  []byte
	dirty bool
}

func NewBytesModel(data []byte) *BytesModel {
	return &BytesModel{Data: data, dirty: true}
}

func (m *BytesModel) Dirty() bool { return m.dirty }

func (m *BytesModel) Set(data []byte) {
	m.Data = data
	m.dirty = true
}

func (m *BytesModel) Flush(path string) error {
	if err := os.WriteFile(path, m.Data, 0644); err != nil {
		return err
	}
	m.dirty = false
	return nil
}
