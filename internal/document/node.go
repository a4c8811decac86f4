package document

import (
	"fmt"
	"strconv"

	"github.com/audiolibrelab/sessionstate/internal/ids"
)

// Property is one named attribute of a node.
type Property struct {
	Name  string
	Value string
}

// Node is an ordered tree node with named properties, children and optional
// text content. Nodes carry no schema; callers decide what is mandatory.
type Node struct {
	name     string
	props    []Property
	children []*Node
	content  string
}

func NewNode(name string) *Node {
	return &Node{name: name}
}

func (n *Node) Name() string {
	return n.name
}

// AddChild appends a new child and returns it.
func (n *Node) AddChild(name string) *Node {
	child := NewNode(name)
	n.children = append(n.children, child)
	return child
}

// AddChildNode appends an existing node. The caller gives up ownership.
func (n *Node) AddChildNode(child *Node) *Node {
	if child != nil {
		n.children = append(n.children, child)
	}
	return child
}

// SetProperty stores value under key, replacing an existing property in place
// so the original property order is kept.
func (n *Node) SetProperty(key string, value any) {
	s := formatValue(value)
	for i := range n.props {
		if n.props[i].Name == key {
			n.props[i].Value = s
			return
		}
	}
	n.props = append(n.props, Property{Name: key, Value: s})
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (n *Node) Property(key string) (string, bool) {
	for _, p := range n.props {
		if p.Name == key {
			return p.Value, true
		}
	}
	return "", false
}

// PropertyOr returns the property value or def when absent.
func (n *Node) PropertyOr(key, def string) string {
	if v, ok := n.Property(key); ok {
		return v
	}
	return def
}

func (n *Node) HasProperty(key string) bool {
	_, ok := n.Property(key)
	return ok
}

func (n *Node) RemoveProperty(key string) {
	for i := range n.props {
		if n.props[i].Name == key {
			n.props = append(n.props[:i], n.props[i+1:]...)
			return
		}
	}
}

// Properties returns a copy of the properties in insertion order.
func (n *Node) Properties() []Property {
	out := make([]Property, len(n.props))
	copy(out, n.props)
	return out
}

func (n *Node) Int64(key string) (int64, bool, error) {
	s, ok := n.Property(key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%s.%s: %w", n.name, key, err)
	}
	return v, true, nil
}

func (n *Node) Uint64(key string) (uint64, bool, error) {
	s, ok := n.Property(key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%s.%s: %w", n.name, key, err)
	}
	return v, true, nil
}

func (n *Node) Int(key string) (int, bool, error) {
	v, ok, err := n.Int64(key)
	return int(v), ok, err
}

func (n *Node) Float64(key string) (float64, bool, error) {
	s, ok := n.Property(key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%s.%s: %w", n.name, key, err)
	}
	return v, true, nil
}

// Bool accepts 1/0, yes/no and true/false.
func (n *Node) Bool(key string) (bool, bool) {
	s, ok := n.Property(key)
	if !ok {
		return false, false
	}
	switch s {
	case "1", "yes", "true", "y":
		return true, true
	default:
		return false, true
	}
}

func (n *Node) ID(key string) (ids.ID, bool, error) {
	s, ok := n.Property(key)
	if !ok {
		return 0, false, nil
	}
	id, err := ids.ParseID(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s.%s: %w", n.name, key, err)
	}
	return id, true, nil
}

// Child returns the first direct child with the given name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func (n *Node) Children() []*Node {
	return n.children
}

// RemoveChildren drops every direct child with the given name.
func (n *Node) RemoveChildren(name string) {
	kept := n.children[:0]
	for _, c := range n.children {
		if c.name != name {
			kept = append(kept, c)
		}
	}
	n.children = kept
}

// RemoveChildrenWith drops direct children named name whose property key equals value.
func (n *Node) RemoveChildrenWith(name, key, value string) {
	kept := n.children[:0]
	for _, c := range n.children {
		if c.name == name {
			if v, ok := c.Property(key); ok && v == value {
				continue
			}
		}
		kept = append(kept, c)
	}
	n.children = kept
}

func (n *Node) Content() string {
	return n.content
}

func (n *Node) SetContent(s string) {
	n.content = s
}

// Copy returns a deep copy.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	c := &Node{name: n.name, content: n.content}
	c.props = make([]Property, len(n.props))
	copy(c.props, n.props)
	for _, ch := range n.children {
		c.children = append(c.children, ch.Copy())
	}
	return c
}

// Find returns the first node named name in a depth-first walk from root
// (root included), or nil.
func Find(root *Node, name string) *Node {
	if root == nil {
		return nil
	}
	if root.name == name {
		return root
	}
	for _, c := range root.children {
		if f := Find(c, name); f != nil {
			return f
		}
	}
	return nil
}
