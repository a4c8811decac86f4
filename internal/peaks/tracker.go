// Package peaks tracks peak-cache files that are being written.
package peaks

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/audiolibrelab/sessionstate/internal/layout"
)

// Tracker counts in-flight peak writers per file.
type Tracker struct {
	mu     sync.Mutex
	active map[string]int
	open   map[string]*os.File
}

func NewTracker() *Tracker {
	return &Tracker{active: map[string]int{}, open: map[string]*os.File{}}
}

// Begin marks path as being written.
func (t *Tracker) Begin(path string) {
	t.mu.Lock()
	t.active[path]++
	t.mu.Unlock()
}

func (t *Tracker) End(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[path] <= 1 {
		delete(t.active, path)
		return
	}
	t.active[path]--
}

// InFlight is the number of writers that have not finished.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.active {
		n += c
	}
	return n
}

// Write creates the peak file for a source and keeps it open until
// CloseAll.
func (t *Tracker) Write(path string, data []byte) error {
	t.Begin(path)
	defer t.End(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}

	t.mu.Lock()
	if old, ok := t.open[path]; ok {
		old.Close()
	}
	t.open[path] = f
	t.mu.Unlock()
	return nil
}

// CloseAll closes every open peak file.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, f := range t.open {
		f.Close()
		delete(t.open, p)
	}
}

// PeakPath is the peak file of a source, "<base>%A.peak" in the peaks dir.
// Extra channels use the letters after A.
func PeakPath(peakDir, sourcePath string, channel int) string {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	suffix := string(rune('A' + channel))
	return filepath.Join(peakDir, base+"%"+suffix+layout.PeakSuffix)
}
