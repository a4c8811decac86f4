package registry

import (
	"github.com/audiolibrelab/sessionstate/internal/ids"
	"github.com/audiolibrelab/sessionstate/internal/model"
)

// Sources is the session-wide source registry.
type Sources struct {
	*Registry[*model.Source]
}

func NewSources(c *ids.Counters) *Sources {
	return &Sources{New(c, func(s *model.Source) ids.ID { return s.ID })}
}

// ByName finds a source by its stored name.
func (s *Sources) ByName(name string) *model.Source {
	for _, src := range s.Snapshot().All() {
		if src.Name == name {
			return src
		}
	}
	return nil
}

// Unused returns the sources with no uses that are not nascent stubs.
func (s *Sources) Unused(uses map[ids.ID]int) []*model.Source {
	var out []*model.Source
	for id, src := range s.Snapshot().All() {
		if uses[id] == 0 && !src.IsStub() {
			out = append(out, src)
		}
	}
	return out
}

// RemoveUnused drops the sources Unused reports together with every region
// that references them.
func (s *Sources) RemoveUnused(uses map[ids.ID]int, regions *Regions) []*model.Source {
	dropped := s.Unused(uses)
	for _, src := range dropped {
		regions.RemoveUsingSource(src.ID)
		s.Remove(src.ID)
	}
	return dropped
}

// Regions is the session-wide region registry.
type Regions struct {
	*Registry[*model.Region]
}

func NewRegions(c *ids.Counters) *Regions {
	return &Regions{New(c, func(r *model.Region) ids.ID { return r.ID })}
}

// WholeFileFor returns the whole-file region of a single source, if any.
func (r *Regions) WholeFileFor(source ids.ID) *model.Region {
	for _, reg := range r.Snapshot().All() {
		if reg.WholeFile && len(reg.Sources) == 1 && reg.Sources[0] == source {
			return reg
		}
	}
	return nil
}

func (r *Regions) UsingSource(source ids.ID) []*model.Region {
	var out []*model.Region
	for _, reg := range r.Snapshot().All() {
		if reg.UsesSource(source) {
			out = append(out, reg)
		}
	}
	return out
}

// RemoveUsingSource drops every region referencing source.
func (r *Regions) RemoveUsingSource(source ids.ID) []ids.ID {
	return r.RemoveIf(func(reg *model.Region) bool { return reg.UsesSource(source) })
}

// ByName reports whether a region with the name exists.
func (r *Regions) ByName(name string) *model.Region {
	for _, reg := range r.Snapshot().All() {
		if reg.Name == name {
			return reg
		}
	}
	return nil
}

// RemoveUnused drops regions held by no playlist, no trigger slot and no
// compound association. Automatic whole-file regions always stay because
// they represent their source in the region list.
func (r *Regions) RemoveUnused(compounds []model.CompoundAssociation) []ids.ID {
	held := make(map[ids.ID]bool, 2*len(compounds))
	for _, c := range compounds {
		held[c.Copy] = true
		held[c.Original] = true
	}
	return r.RemoveIf(func(reg *model.Region) bool {
		if reg.WholeFile && reg.Automatic {
			return false
		}
		return reg.Playlist.IsZero() && !reg.Trigger && !held[reg.ID]
	})
}

// Playlists is the session-wide playlist registry.
type Playlists struct {
	*Registry[*model.Playlist]
}

func NewPlaylists(c *ids.Counters) *Playlists {
	return &Playlists{New(c, func(p *model.Playlist) ids.ID { return p.ID })}
}

// Used returns the playlists whose ID is in inUse, in ID order.
func (p *Playlists) Used(inUse map[ids.ID]bool) []*model.Playlist {
	var out []*model.Playlist
	for id, pl := range p.Snapshot().All() {
		if inUse[id] {
			out = append(out, pl)
		}
	}
	return out
}

// Unused returns the playlists no track is using.
func (p *Playlists) Unused(inUse map[ids.ID]bool) []*model.Playlist {
	var out []*model.Playlist
	for id, pl := range p.Snapshot().All() {
		if !inUse[id] {
			out = append(out, pl)
		}
	}
	return out
}

// PlaylistDecision is the answer to "delete this unused playlist?".
type PlaylistDecision int

const (
	KeepPlaylist PlaylistDecision = iota
	DeletePlaylist
	KeepRemainingPlaylists
	AbortCleanup
)

// DecideUnused asks about every unused playlist and returns the ones the
// user agreed to drop. The registry is not changed. On abort nothing is
// returned for deletion.
func (p *Playlists) DecideUnused(inUse map[ids.ID]bool, ask func(*model.Playlist) PlaylistDecision) (aborted bool, drop []*model.Playlist) {
	for _, pl := range p.Unused(inUse) {
		switch ask(pl) {
		case DeletePlaylist:
			drop = append(drop, pl)
		case KeepRemainingPlaylists:
			return false, drop
		case AbortCleanup:
			return true, nil
		}
	}
	return false, drop
}

// Delete removes playlists and detaches their regions.
func (p *Playlists) Delete(pls []*model.Playlist) []ids.ID {
	var deleted []ids.ID
	for _, pl := range pls {
		for _, reg := range pl.Regions {
			reg.Playlist = 0
		}
		if p.Remove(pl.ID) {
			deleted = append(deleted, pl.ID)
		}
	}
	return deleted
}

// MaybeDeleteUnused asks about every unused playlist and removes the ones
// the user agrees to drop. It returns true when the user aborted, in which
// case nothing is removed.
func (p *Playlists) MaybeDeleteUnused(inUse map[ids.ID]bool, ask func(*model.Playlist) PlaylistDecision) (aborted bool, deleted []ids.ID) {
	aborted, drop := p.DecideUnused(inUse, ask)
	if aborted {
		return true, nil
	}
	return false, p.Delete(drop)
}

// UseCounts counts how often each source is referenced by regions in
// playlists, regions held by trigger slots and regions that are the
// original of a compound.
func UseCounts(regions *View[*model.Region], playlists *View[*model.Playlist], compounds []model.CompoundAssociation) map[ids.ID]int {
	uses := map[ids.ID]int{}
	count := func(reg *model.Region) {
		for _, s := range reg.Sources {
			uses[s]++
		}
		for _, s := range reg.MasterSources {
			uses[s]++
		}
		for _, n := range reg.Nested {
			uses[n.ID]++
		}
	}
	for _, pl := range playlists.All() {
		for _, reg := range pl.Regions {
			count(reg)
		}
	}
	for _, reg := range regions.All() {
		if reg.Trigger {
			count(reg)
		}
	}
	for _, c := range compounds {
		if reg, ok := regions.Get(c.Original); ok {
			count(reg)
		}
	}
	return uses
}
