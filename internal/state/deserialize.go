package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
	"github.com/audiolibrelab/sessionstate/internal/layout"
	"github.com/audiolibrelab/sessionstate/internal/model"
)

// maxRelocationAttempts bounds how often the user is asked about one file
// before it is substituted.
const maxRelocationAttempts = 8

type loader struct {
	g        *Graph
	env      *Env
	version  int
	suppress bool
	// playlistNames holds legacy route to playlist-name bindings.
	playlistNames map[ids.ID]string
}

// Deserialize builds a new Graph from a session document. Sections are
// restored in dependency order. Any failure discards the partial graph;
// nothing outside the returned Graph is modified except files created to
// replace missing MIDI sources.
func Deserialize(ctx context.Context, root *document.Node, env *Env) (*Graph, error) {
	if env == nil {
		env = &Env{}
	}
	if root == nil || root.Name() != "Session" {
		return nil, fmt.Errorf("not a session document")
	}

	version, err := ParseVersion(root.PropertyOr("version", ""))
	if err != nil {
		return nil, fmt.Errorf("bad session version: %w", err)
	}
	if version > env.supported() {
		return nil, &VersionError{Found: version, Supported: env.supported()}
	}

	rate, _, err := root.Int("sample-rate")
	if err != nil {
		return nil, err
	}
	if rate > 0 && env.Rates != nil {
		if err := env.Rates.NegotiateSampleRate(ctx, rate); err != nil {
			return nil, err
		}
	}

	g := NewGraph(root.PropertyOr("name", env.Dir.Name), rate)
	g.Version = version
	l := &loader{g: g, env: env, version: version, playlistNames: map[ids.ID]string{}}

	steps := []func(*document.Node) error{
		l.tempoMap,
		l.counters,
		l.config,
		l.sources,
		l.locations,
		l.regions,
		l.compounds,
		l.backfill,
		l.routes,
		l.playlists,
		l.routeGroups,
		l.extras,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := step(root); err != nil {
			return nil, err
		}
	}

	advanceToMaxID(g.Counters, root)
	if g.Bundles != nil && env.Bundles != nil {
		if err := env.Bundles.SetState(g.Bundles); err != nil {
			slog.Error("Could not restore bundles", "error", err)
		}
	}
	return g, nil
}

func (l *loader) tempoMap(root *document.Node) error {
	n := root.Child("TempoMap")
	if n == nil {
		return missing("TempoMap")
	}
	tm, err := model.TempoMapFromState(n)
	if err != nil {
		return err
	}
	l.g.TempoMap = tm

	if pv := root.Child("ProgramVersion"); pv != nil {
		l.g.Program = model.ProgramVersionFromState(pv)
		if err := l.checkProgram(l.g.Program); err != nil {
			return err
		}
	}
	return nil
}

// checkProgram refuses documents last modified by a newer major release of
// this program.
func (l *loader) checkProgram(pv model.ProgramVersion) error {
	if l.env.ProgramName == "" || l.env.ProgramVersion == "" {
		return nil
	}
	fields := strings.Fields(pv.ModifiedWith)
	if len(fields) < 2 || fields[0] != l.env.ProgramName {
		return nil
	}
	if majorOf(fields[len(fields)-1]) > majorOf(l.env.ProgramVersion) {
		return fmt.Errorf("%w: %s (running %s)", ErrProgramVersion, pv.ModifiedWith, l.env.ProgramVersion)
	}
	return nil
}

func majorOf(v string) int {
	v = strings.TrimPrefix(v, "v")
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0
	}
	return n
}

func (l *loader) counters(root *document.Node) error {
	c := l.g.Counters
	for _, k := range ids.Kinds() {
		v, ok, err := root.Uint64(k.String())
		if err != nil {
			return err
		}
		if ok {
			c.Init(k, v)
			continue
		}
		switch k {
		case ids.Object:
			slog.Warn("Session file has no ID counter, using the current time", "version", l.version)
			c.Init(k, ids.LegacyObjectCounter(l.env.now()))
		case ids.VCA:
			c.Init(k, 1)
		default:
			c.Init(k, 0)
		}
	}
	return nil
}

func (l *loader) config(root *document.Node) error {
	if n := root.Child("Config"); n != nil {
		l.g.Options = model.OptionsFromState(n)
	} else {
		slog.Error("Session file has no Config section, using defaults")
	}
	if n := root.Child("Metadata"); n != nil {
		l.g.Metadata = model.MetadataFromState(n)
	} else {
		slog.Warn("Session file has no Metadata section")
	}
	if n := root.Child("Path"); n != nil {
		for _, r := range n.ChildrenNamed("Root") {
			if p, ok := r.Property("path"); ok && p != "" {
				l.g.SearchRoots = append(l.g.SearchRoots, p)
			}
		}
	}
	return nil
}

func (l *loader) sources(root *document.Node) error {
	n := root.Child("Sources")
	if n == nil {
		return missing("Sources")
	}
	for _, sn := range n.ChildrenNamed("Source") {
		src, err := model.SourceFromState(sn)
		if err != nil {
			return fmt.Errorf("cannot restore source: %w", err)
		}
		if err := l.resolve(src); err != nil {
			return err
		}
		if err := l.g.Sources.Add(src); err != nil {
			return err
		}
	}
	return nil
}

// searchDirs lists the directories searched for within-session sources of
// type t, most preferred first.
func (l *loader) searchDirs(t model.DataType) []string {
	roots := l.env.Roots
	if len(roots) == 0 {
		roots = []string{l.env.Dir.Root}
	}
	roots = append(append([]string(nil), roots...), l.g.SearchRoots...)

	seen := map[string]bool{}
	var dirs []string
	add := func(d string) {
		if d == "" || seen[d] {
			return
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	for _, r := range roots {
		d := layout.NewDir(r, l.env.Dir.Name)
		if t == model.MIDI {
			add(d.MIDIPath())
		} else {
			add(d.SoundPath())
		}
	}
	key := model.OptAudioSearchPath
	if t == model.MIDI {
		key = model.OptMIDISearchPath
	}
	if v, ok := l.g.Options.Get(key); ok {
		for _, d := range strings.Split(v, ":") {
			add(d)
		}
	}
	return dirs
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// resolve finds the backing file of src, asking the prompter when it is
// missing. Relocations are remembered per directory so later sources from
// the same place are found without asking again.
func (l *loader) resolve(src *model.Source) error {
	var expected, missingDir string
	if src.WithinSession && strings.Contains(src.Name, "/") {
		// archived external files are named relative to the session root
		expected = filepath.Join(l.env.Dir.Root, filepath.FromSlash(src.Name))
		if exists(expected) {
			src.Path = expected
			return nil
		}
		missingDir = filepath.Dir(expected)
	} else if src.WithinSession {
		dirs := l.searchDirs(src.Type)
		for _, d := range dirs {
			if p := filepath.Join(d, src.Name); exists(p) {
				src.Path = p
				return nil
			}
		}
		missingDir = dirs[0]
		expected = filepath.Join(missingDir, src.Name)
	} else {
		if exists(src.Name) {
			src.Path = src.Name
			return nil
		}
		expected = src.Name
		missingDir = filepath.Dir(src.Name)
	}
	base := filepath.Base(expected)

	for attempt := 0; ; attempt++ {
		if reloc, ok := l.g.Relocations[missingDir]; ok {
			if p := filepath.Join(reloc, base); exists(p) {
				src.Path = p
				if !src.WithinSession {
					src.Name = p
				}
				return nil
			}
		}
		if src.Type == model.MIDI && !src.WithinSession {
			return fmt.Errorf("%w: MIDI file %s", ErrMissingAsset, expected)
		}

		choice := MissingChoice{Action: Substitute}
		if !l.suppress && l.env.Prompter != nil && attempt < maxRelocationAttempts {
			choice = l.env.Prompter.MissingFile(expected, src.Type)
		}
		switch choice.Action {
		case Relocate:
			if choice.Dir != "" {
				l.g.Relocations[missingDir] = choice.Dir
			}
			continue
		case Abort:
			return fmt.Errorf("%w: load stopped at missing file %s", ErrCancelled, expected)
		case SubstituteAll:
			l.suppress = true
		}
		return l.substitute(src, expected)
	}
}

func (l *loader) substitute(src *model.Source, expected string) error {
	slog.Warn("Source file is missing", "source", src.Name, "path", expected, "error", ErrMissingAsset)
	l.g.MissingFiles = append(l.g.MissingFiles, expected)

	if src.Type == model.Audio {
		src.Silent = true
		src.Path = expected
		return nil
	}

	dir := l.searchDirs(model.MIDI)[0]
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrMissingAsset, dir, err)
	}
	p := filepath.Join(dir, filepath.Base(src.Name))
	if err := os.WriteFile(p, emptySMF, 0644); err != nil {
		return fmt.Errorf("%w: create replacement MIDI file %s: %w", ErrMissingAsset, p, err)
	}
	slog.Info("Created empty MIDI file for missing source", "path", p)
	src.Path = p
	return nil
}

func (l *loader) locations(root *document.Node) error {
	n := root.Child("Locations")
	if n == nil {
		return missing("Locations")
	}
	ls, err := model.LocationsFromState(n)
	if err != nil {
		return fmt.Errorf("cannot restore locations: %w", err)
	}
	l.g.Locations = ls
	return nil
}

// region parses a region node, registering its nested sources and
// checking that every referenced source exists.
func (l *loader) region(n *document.Node) (*model.Region, error) {
	r, err := model.RegionFromState(migrate(regionMigrations, n, l.version))
	if err != nil {
		return nil, fmt.Errorf("cannot restore region: %w", err)
	}
	for i, ns := range r.Nested {
		if existing, ok := l.g.Sources.ByID(ns.ID); ok {
			r.Nested[i] = existing
			continue
		}
		if err := l.g.Sources.Add(ns); err != nil {
			return nil, err
		}
	}
	for _, id := range append(append([]ids.ID(nil), r.Sources...), r.MasterSources...) {
		if _, ok := l.g.Sources.ByID(id); !ok {
			return nil, fmt.Errorf("region %q references unknown source %s", r.Name, id)
		}
	}
	if existing, ok := l.g.Regions.ByID(r.ID); ok {
		return existing, nil
	}
	if err := l.g.Regions.Add(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (l *loader) regions(root *document.Node) error {
	n := root.Child("Regions")
	if n == nil {
		return missing("Regions")
	}
	for _, rn := range n.ChildrenNamed("Region") {
		if _, err := l.region(rn); err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) compounds(root *document.Node) error {
	n := root.Child("CompoundAssociations")
	if n == nil {
		return nil
	}
	for _, c := range n.ChildrenNamed("CompoundAssociation") {
		cp, okc, err := c.ID("copy")
		if err != nil {
			return err
		}
		orig, oko, err := c.ID("original")
		if err != nil {
			return err
		}
		if !okc || !oko {
			return fmt.Errorf("compound association is incomplete")
		}
		l.g.Compounds = append(l.g.Compounds, model.CompoundAssociation{Copy: cp, Original: orig})
	}
	return nil
}

func (l *loader) backfill(*document.Node) error {
	if n := BackfillWholeFileRegions(l.g); n > 0 {
		slog.Debug("Created whole-file regions", "count", n)
	}
	return nil
}

// BackfillWholeFileRegions gives every source without one a whole-file
// region. Running it again adds nothing.
func BackfillWholeFileRegions(g *Graph) int {
	nested := g.NestedSources()
	created := 0
	for id, src := range g.Sources.Snapshot().All() {
		if nested[id] || g.Regions.WholeFileFor(id) != nil {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(src.Name), filepath.Ext(src.Name))
		name := base
		for n := 1; g.Regions.ByName(name) != nil; n++ {
			name = fmt.Sprintf("%s.%d", base, n)
		}
		g.Regions.Create(func(rid ids.ID) *model.Region {
			return model.NewWholeFileRegion(rid, name, src)
		})
		created++
	}
	return created
}

func (l *loader) routes(root *document.Node) error {
	n := root.Child("Routes")
	if n == nil {
		return missing("Routes")
	}
	for _, rn := range n.ChildrenNamed("Route") {
		m := migrate(routeMigrations, rn, l.version)
		r, err := model.RouteFromState(m)
		if err != nil {
			return fmt.Errorf("cannot restore route: %w", err)
		}
		if name, ok := m.Property("playlist-name"); ok {
			l.playlistNames[r.ID] = name
		}
		if l.env.Engine != nil {
			if err := l.env.Engine.RegisterPorts(r); err != nil {
				return fmt.Errorf("%w: route %q: %w", ErrPortRegistration, r.Name, err)
			}
			for _, p := range r.Processors {
				if err := l.env.Engine.ConfigureProcessor(r, p); err != nil {
					return fmt.Errorf("%w: route %q processor %q: %w", ErrProcessorConfiguration, r.Name, p.Name, err)
				}
			}
		}
		l.g.AddRoute(r)
	}
	return nil
}

func (l *loader) playlist(n *document.Node) error {
	pl, err := model.PlaylistFromState(n)
	if err != nil {
		return fmt.Errorf("cannot restore playlist: %w", err)
	}
	for _, rn := range n.ChildrenNamed("Region") {
		r, err := l.region(rn)
		if err != nil {
			return fmt.Errorf("playlist %q: %w", pl.Name, err)
		}
		pl.Add(r)
	}
	return l.g.Playlists.Add(pl)
}

func (l *loader) playlists(root *document.Node) error {
	n := root.Child("Playlists")
	if n == nil {
		return missing("Playlists")
	}
	for _, pn := range n.ChildrenNamed("Playlist") {
		if err := l.playlist(pn); err != nil {
			return err
		}
	}
	if un := root.Child("UnusedPlaylists"); un != nil {
		for _, pn := range un.ChildrenNamed("Playlist") {
			if err := l.playlist(pn); err != nil {
				return err
			}
		}
	}
	return l.attachPlaylists()
}

// attachPlaylists binds every track to its playlist. Tracks from templates
// have none and get a fresh, empty one.
func (l *loader) attachPlaylists() error {
	for _, r := range l.g.Routes {
		if !r.IsTrack() {
			continue
		}
		if r.PlaylistID.IsZero() {
			if name, ok := l.playlistNames[r.ID]; ok {
				for _, pl := range l.g.Playlists.Snapshot().All() {
					if pl.Name == name {
						r.PlaylistID = pl.ID
						break
					}
				}
			}
		}
		if r.PlaylistID.IsZero() {
			pl := l.g.Playlists.Create(func(id ids.ID) *model.Playlist {
				p := model.NewPlaylist(id, r.Name, r.DataType())
				p.OrigTrackID = r.ID
				return p
			})
			r.PlaylistID = pl.ID
			continue
		}
		pl, ok := l.g.Playlists.ByID(r.PlaylistID)
		if !ok {
			return fmt.Errorf("track %q uses unknown playlist %s", r.Name, r.PlaylistID)
		}
		if pl.OrigTrackID.IsZero() {
			pl.OrigTrackID = r.ID
		}
	}
	return nil
}

func (l *loader) routeGroups(root *document.Node) error {
	n := root.Child("RouteGroups")
	if n == nil {
		return missing("RouteGroups")
	}
	for _, gn := range n.ChildrenNamed("RouteGroup") {
		rg, err := model.RouteGroupFromState(gn)
		if err != nil {
			return err
		}
		l.g.RouteGroups = append(l.g.RouteGroups, rg)
	}
	return nil
}

// extras restores the optional sections that nothing else depends on.
func (l *loader) extras(root *document.Node) error {
	if n := root.Child("VCAManager"); n != nil {
		vcas, err := model.VCAsFromState(n)
		if err != nil {
			return fmt.Errorf("cannot restore VCAs: %w", err)
		}
		l.g.VCAs = vcas
	}
	if n := root.Child("Bundles"); n != nil {
		l.g.Bundles = n.Copy()
	}
	if n := root.Child("ControlProtocols"); n != nil {
		l.g.ControlProtocols = n.Copy()
		if l.env.Controls != nil {
			if err := l.env.Controls.SetState(n); err != nil {
				slog.Error("Could not restore control surfaces", "error", err)
			}
		}
	}
	if n := root.Child("Script"); n != nil {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(n.Content()))
		if err != nil {
			slog.Error("Session script is not valid base64, dropping it", "error", err)
		} else {
			l.g.Script = data
		}
	}
	if n := root.Child("MixerScenes"); n != nil {
		for _, sn := range n.ChildrenNamed("MixerScene") {
			idx, _, err := sn.Int("index")
			if err != nil {
				return err
			}
			scene := &model.MixerScene{Index: idx, Name: sn.PropertyOr("name", "")}
			if children := sn.Children(); len(children) > 0 {
				scene.State = children[0].Copy()
			}
			l.g.MixerScenes = append(l.g.MixerScenes, scene)
		}
	}
	if n := root.Child("IOPlugins"); n != nil {
		for _, pn := range n.ChildrenNamed("IOPlug") {
			p, err := model.IOPluginFromState(pn)
			if err != nil {
				return err
			}
			l.g.IOPlugins = append(l.g.IOPlugins, p)
		}
	}
	if n := root.Child("Selection"); n != nil {
		l.g.Selection = n.Copy()
	}
	return nil
}

// advanceToMaxID keeps the object counter above every ID in the document.
func advanceToMaxID(c *ids.Counters, root *document.Node) {
	var walk func(*document.Node)
	walk = func(n *document.Node) {
		if id, ok, err := n.ID("id"); ok && err == nil {
			c.Advance(ids.Object, uint64(id))
		}
		for _, child := range n.Children() {
			walk(child)
		}
	}
	walk(root)
}
