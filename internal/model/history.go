package model

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/sessionstate/internal/document"
	"github.com/audiolibrelab/sessionstate/internal/ids"
)

// Transaction is one undoable user operation.
type Transaction struct {
	Name     string
	Time     time.Time
	Commands []*document.Node
}

// History is the undo/redo list saved next to each snapshot.
type History struct {
	mu   sync.Mutex
	undo []*Transaction
	redo []*Transaction
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Add(t *Transaction) {
	h.mu.Lock()
	h.undo = append(h.undo, t)
	h.redo = nil
	h.mu.Unlock()
}

// Undo moves the newest transaction to the redo list.
func (h *History) Undo() *Transaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.undo) == 0 {
		return nil
	}
	t := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, t)
	return t
}

func (h *History) UndoDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo)
}

func (h *History) RedoDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redo)
}

func (h *History) Clear() {
	h.mu.Lock()
	h.undo = nil
	h.redo = nil
	h.mu.Unlock()
}

// State writes at most depth of the newest undo transactions; depth 0 means all.
func (h *History) State(depth int) *document.Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := document.NewNode("UndoHistory")
	undo := h.undo
	if depth > 0 && len(undo) > depth {
		undo = undo[len(undo)-depth:]
	}
	for _, t := range undo {
		n.AddChildNode(transactionState(t))
	}
	return n
}

func transactionState(t *Transaction) *document.Node {
	n := document.NewNode("UndoTransaction")
	n.SetProperty("name", t.Name)
	n.SetProperty("tv-sec", t.Time.Unix())
	n.SetProperty("tv-usec", int64(t.Time.Nanosecond()/1000))
	for _, c := range t.Commands {
		n.AddChildNode(c.Copy())
	}
	return n
}

var knownCommands = map[string]bool{
	"MementoCommand":         true,
	"MementoUndoCommand":     true,
	"MementoRedoCommand":     true,
	"TempoCommand":           true,
	"StatefulDiffCommand":    true,
	"NoteDiffCommand":        true,
	"SysExDiffCommand":       true,
	"PatchChangeDiffCommand": true,
}

var midiCommands = map[string]bool{
	"NoteDiffCommand":        true,
	"SysExDiffCommand":       true,
	"PatchChangeDiffCommand": true,
}

// HistoryFromState rebuilds the undo list. Transactions without a name or
// timestamp are skipped, and so are MIDI commands whose source is unknown.
func HistoryFromState(n *document.Node, midiSourceExists func(ids.ID) bool) (*History, error) {
	if n.Name() != "UndoHistory" {
		return nil, fmt.Errorf("expected UndoHistory node, got %s", n.Name())
	}
	h := NewHistory()
	for _, tn := range n.ChildrenNamed("UndoTransaction") {
		name, ok := tn.Property("name")
		if !ok {
			continue
		}
		sec, okSec, err := tn.Int64("tv-sec")
		if err != nil || !okSec {
			continue
		}
		usec, okUsec, err := tn.Int64("tv-usec")
		if err != nil || !okUsec {
			continue
		}
		t := &Transaction{Name: name, Time: time.Unix(sec, usec*1000)}
		for _, c := range tn.Children() {
			if !knownCommands[c.Name()] {
				slog.Error("Cannot restore history command", "command", c.Name(), "transaction", name)
				continue
			}
			if midiCommands[c.Name()] {
				sid, ok, err := c.ID("midi-source")
				if err != nil || !ok || midiSourceExists == nil || !midiSourceExists(sid) {
					slog.Error("History command references unknown MIDI source", "command", c.Name(), "transaction", name)
					continue
				}
			}
			t.Commands = append(t.Commands, c.Copy())
		}
		h.undo = append(h.undo, t)
	}
	return h, nil
}
