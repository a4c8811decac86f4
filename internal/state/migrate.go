package state

import (
	"math"
	"strconv"
	"strings"

	"github.com/audiolibrelab/sessionstate/internal/document"
)

// versionRange applies fix to nodes written by versions lo..hi inclusive.
// Supporting an older format means adding an entry, not touching the
// loaders.
type versionRange struct {
	lo, hi int
	fix    func(*document.Node)
}

var routeMigrations = []versionRange{
	{0, 2999, migrateRouteV2},
	{3000, 6999, migrateRouteV3},
	{7000, math.MaxInt, nil},
}

var regionMigrations = []versionRange{
	{0, 2999, migrateRegionV2},
	{3000, math.MaxInt, nil},
}

// migrate returns a copy of n normalised to the current format.
func migrate(table []versionRange, n *document.Node, version int) *document.Node {
	for _, vr := range table {
		if version < vr.lo || version > vr.hi {
			continue
		}
		if vr.fix == nil {
			return n
		}
		c := n.Copy()
		vr.fix(c)
		return c
	}
	return n
}

// ParseVersion reads the root version property. Missing means the oldest
// format; dotted values come from the 2.x era or early 3.x.
func ParseVersion(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1000, nil
	}
	if strings.Contains(s, ".") {
		if strings.HasPrefix(s, "2.") {
			return 2000, nil
		}
		return 3000, nil
	}
	return strconv.Atoi(s)
}

// 2.x routes have no kind; master and monitor are marked by flags and
// tracks carry a Diskstream child naming their playlist.
func migrateRouteV2(n *document.Node) {
	flags := n.PropertyOr("flags", "")
	dataType := n.PropertyOr("default-type", "audio")
	switch {
	case strings.Contains(flags, "MasterOut"):
		n.SetProperty("kind", "master")
	case strings.Contains(flags, "MonitorOut"):
		n.SetProperty("kind", "monitor")
	case strings.Contains(flags, "Auditioner"):
		n.SetProperty("kind", "auditioner")
	default:
		if ds := n.Child("Diskstream"); ds != nil {
			n.SetProperty("kind", dataType+"-track")
			if pl, ok := ds.Property("playlist"); ok {
				n.SetProperty("playlist-name", pl)
			}
		} else {
			n.SetProperty("kind", "bus")
		}
	}
	n.RemoveChildren("Diskstream")
	n.RemoveProperty("default-type")
	n.RemoveProperty("flags")
}

// 3.x to 6.x routes name their playlist by type specific attributes.
func migrateRouteV3(n *document.Node) {
	if n.HasProperty("kind") {
		return
	}
	dataType := n.PropertyOr("default-type", "audio")
	flags := ""
	if pi := n.Child("PresentationInfo"); pi != nil {
		flags = pi.PropertyOr("flags", "")
	}
	switch {
	case strings.Contains(flags, "MasterOut"):
		n.SetProperty("kind", "master")
	case strings.Contains(flags, "MonitorOut"):
		n.SetProperty("kind", "monitor")
	case strings.Contains(flags, "Auditioner"):
		n.SetProperty("kind", "auditioner")
	default:
		key := dataType + "-playlist"
		if pl, ok := n.Property(key); ok {
			n.SetProperty("kind", dataType+"-track")
			n.SetProperty("playlist", pl)
			n.RemoveProperty(key)
		} else {
			n.SetProperty("kind", "bus")
		}
	}
	n.RemoveProperty("default-type")
}

// 2.x regions name a single source without an index.
func migrateRegionV2(n *document.Node) {
	if v, ok := n.Property("source"); ok {
		n.SetProperty("source-0", v)
		n.RemoveProperty("source")
	}
	if v, ok := n.Property("master-source"); ok {
		n.SetProperty("master-source-0", v)
		n.RemoveProperty("master-source")
	}
}
