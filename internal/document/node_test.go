package document

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPropertiesKeepOrder(t *testing.T) {
	n := NewNode("Source")
	n.SetProperty("name", "a.wav")
	n.SetProperty("id", uint64(2))
	n.SetProperty("length", int64(44100))
	n.SetProperty("name", "b.wav")

	props := n.Properties()
	if len(props) != 3 {
		t.Fatalf("Expected 3 properties, got %d", len(props))
	}
	if props[0].Name != "name" || props[0].Value != "b.wav" {
		t.Errorf("Expected name to be replaced in place, got %+v", props[0])
	}

	length, ok, err := n.Int64("length")
	if err != nil || !ok || length != 44100 {
		t.Errorf("Int64(length) = %d, %v, %v", length, ok, err)
	}
	if _, ok, _ := n.Int64("missing"); ok {
		t.Error("Expected missing property to be absent")
	}
}

func TestBoolValues(t *testing.T) {
	n := NewNode("Region")
	n.SetProperty("whole-file", true)
	n.SetProperty("automatic", false)
	if v, ok := n.Bool("whole-file"); !ok || !v {
		t.Error("Expected whole-file to be true")
	}
	if v, ok := n.Bool("automatic"); !ok || v {
		t.Error("Expected automatic to be false")
	}
}

func TestRoundTripXML(t *testing.T) {
	root := NewNode("Session")
	root.SetProperty("version", 7003)
	root.SetProperty("name", "demo & <test>")
	sources := root.AddChild("Sources")
	src := sources.AddChild("Source")
	src.SetProperty("id", 2)
	script := root.AddChild("Script")
	script.SetContent("aGVsbG8=")

	data, err := Marshal(root)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "<?xml") {
		t.Errorf("Expected xml declaration, got %q", string(data[:20]))
	}

	back, err := Parse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if back.Name() != "Session" {
		t.Errorf("Expected root Session, got %s", back.Name())
	}
	if v, _ := back.Property("name"); v != "demo & <test>" {
		t.Errorf("Expected escaped name to round trip, got %q", v)
	}
	if back.Child("Sources").Child("Source") == nil {
		t.Fatal("Expected nested Source")
	}
	if back.Child("Script").Content() != "aGVsbG8=" {
		t.Errorf("Expected script content, got %q", back.Child("Script").Content())
	}
}

func TestParseRejectsBrokenDocuments(t *testing.T) {
	if _, err := Parse([]byte("")); err == nil {
		t.Error("Expected error for empty document")
	}
	if _, err := Parse([]byte("<Session><Sources></Session>")); err == nil {
		t.Error("Expected error for mismatched tags")
	}
}

func TestRemoveChildrenWith(t *testing.T) {
	cfg := NewNode("Config")
	for _, name := range []string{"audio-search-path", "raid-path", "punch-in"} {
		opt := cfg.AddChild("Option")
		opt.SetProperty("name", name)
	}
	cfg.RemoveChildrenWith("Option", "name", "raid-path")
	if len(cfg.ChildrenNamed("Option")) != 2 {
		t.Errorf("Expected 2 options left, got %d", len(cfg.ChildrenNamed("Option")))
	}
}

func TestCopyIsDeep(t *testing.T) {
	n := NewNode("Routes")
	r := n.AddChild("Route")
	r.SetProperty("id", 1)
	c := n.Copy()
	c.Child("Route").SetProperty("id", 9)
	if v, _ := n.Child("Route").Property("id"); v != "1" {
		t.Errorf("Copy shares children with original, got id %s", v)
	}
}

func TestFindAndReadFile(t *testing.T) {
	root := NewNode("Session")
	root.AddChild("Config").AddChild("Sources")
	data, err := Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "x.session")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	back, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if Find(back, "Sources") == nil {
		t.Error("Expected Find to locate nested Sources")
	}
	if Find(back, "Nope") != nil {
		t.Error("Expected nil for absent node")
	}
}
