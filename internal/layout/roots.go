package layout

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// DefaultThresholdBlocks is 1 GiB in 4k blocks.
const DefaultThresholdBlocks = 262144

// RootSpace is the last measured free space of one storage root.
type RootSpace struct {
	Path string
	// Blocks is free space in 4k blocks available to unprivileged users.
	Blocks uint64
	// Unknown is set when the filesystem could not be queried.
	Unknown bool
}

// Roots tracks every storage root a session writes media to. The first
// root is the session directory itself.
type Roots struct {
	mu        sync.Mutex
	roots     []RootSpace
	threshold uint64
	last      int
	statfs    func(string) (uint64, error)
	writable  func(string) bool
}

func NewRoots(paths []string, thresholdBlocks uint64) *Roots {
	if thresholdBlocks == 0 {
		thresholdBlocks = DefaultThresholdBlocks
	}
	r := &Roots{
		threshold: thresholdBlocks,
		last:      -1,
		statfs:    freeBlocks,
		writable:  checkWritable,
	}
	r.Reset(paths)
	return r
}

// Reset replaces the root list. Free space must be refreshed afterwards.
func (r *Roots) Reset(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = r.roots[:0]
	for _, p := range paths {
		r.roots = append(r.roots, RootSpace{Path: filepath.Clean(p), Unknown: true})
	}
	r.last = -1
}

func (r *Roots) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.roots))
	for i, rs := range r.roots {
		out[i] = rs.Path
	}
	return out
}

func (r *Roots) Space() []RootSpace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RootSpace(nil), r.roots...)
}

// Refresh queries free space for every root concurrently. Read-only roots
// report zero blocks so they are never chosen for new files.
func (r *Roots) Refresh(ctx context.Context) error {
	paths := r.Paths()
	results := make([]RootSpace, len(paths))

	g, _ := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			results[i] = RootSpace{Path: p}
			if !r.writable(p) {
				slog.Debug("Storage root is not writable", "path", p)
				return nil
			}
			blocks, err := r.statfs(p)
			if err != nil {
				slog.Warn("Cannot query free space", "path", p, "error", err)
				results[i].Unknown = true
				return nil
			}
			results[i].Blocks = blocks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	r.roots = results
	r.mu.Unlock()
	return ctx.Err()
}

// BestForNewFile picks the root for a new capture file. When at least two
// roots have more than the threshold free, they are used round-robin
// starting after the last one chosen. Otherwise the root with the most free
// space wins.
func (r *Roots) BestForNewFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.roots) == 0 {
		return ""
	}
	if len(r.roots) == 1 {
		return r.roots[0].Path
	}

	var roomy []int
	for i, rs := range r.roots {
		if !rs.Unknown && rs.Blocks > r.threshold {
			roomy = append(roomy, i)
		}
	}
	if len(roomy) >= 2 {
		start := 0
		for j, idx := range roomy {
			if idx > r.last {
				start = j
				break
			}
		}
		for k := 0; k < len(roomy); k++ {
			idx := roomy[(start+k)%len(roomy)]
			if r.writable(r.roots[idx].Path) {
				r.last = idx
				return r.roots[idx].Path
			}
		}
	}

	order := make([]int, len(r.roots))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ba, bb := r.roots[a].Blocks, r.roots[b].Blocks
		switch {
		case ba > bb:
			return -1
		case ba < bb:
			return 1
		}
		return 0
	})
	for _, idx := range order {
		if r.writable(r.roots[idx].Path) {
			r.last = idx
			return r.roots[idx].Path
		}
	}
	return r.roots[0].Path
}

// PathIsWithin reports whether path lies under any storage root.
func (r *Roots) PathIsWithin(path string) bool {
	path = filepath.Clean(path)
	for _, root := range r.Paths() {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func freeBlocks(path string) (uint64, error) {
	fs := syscall.Statfs_t{}
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, err
	}
	return fs.Bavail * uint64(fs.Bsize) / 4096, nil
}

func checkWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
