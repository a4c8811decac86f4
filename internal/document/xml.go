package document

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Marshal renders the tree rooted at root as indented XML with a declaration.
func Marshal(root *Node) ([]byte, error) {
	if root == nil {
		return nil, errors.New("marshal: nil root")
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := encodeNode(enc, root); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("flush xml: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeNode(enc *xml.Encoder, n *Node) error {
	start := xml.StartElement{Name: xml.Name{Local: n.name}}
	for _, p := range n.props {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: p.Name}, Value: p.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return fmt.Errorf("encode <%s>: %w", n.name, err)
	}
	if n.content != "" {
		if err := enc.EncodeToken(xml.CharData(n.content)); err != nil {
			return fmt.Errorf("encode content of <%s>: %w", n.name, err)
		}
	}
	for _, c := range n.children {
		if err := encodeNode(enc, c); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return fmt.Errorf("encode </%s>: %w", n.name, err)
	}
	return nil
}

// Parse reads one XML document into a node tree.
func Parse(data []byte) (*Node, error) {
	return Decode(bytes.NewReader(data))
}

func Decode(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	var stack []*Node
	var root *Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := NewNode(t.Name.Local)
			for _, a := range t.Attr {
				n.props = append(n.props, Property{Name: a.Name.Local, Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("parse xml: multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("parse xml: unexpected </%s>", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			if s := strings.TrimSpace(string(t)); s != "" {
				top := stack[len(stack)-1]
				top.content += s
			}
		}
	}
	if root == nil {
		return nil, errors.New("parse xml: empty document")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("parse xml: unclosed <%s>", stack[len(stack)-1].name)
	}
	return root, nil
}

func ReadFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	root, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return root, nil
}
