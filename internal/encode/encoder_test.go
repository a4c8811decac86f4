package encode

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Job{Src: "in.wav", Dst: "out.flac", Channel: 1, Gain: 0.5, Mode: FLAC16})
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "-i in.wav") {
		t.Errorf("Expected input file in args: %s", joined)
	}
	if !strings.Contains(joined, "pan=mono|c0=c1,volume=0.5") {
		t.Errorf("Expected channel and gain filter in args: %s", joined)
	}
	if !strings.Contains(joined, "-sample_fmt s16") {
		t.Errorf("Expected 16 bit output: %s", joined)
	}
	if args[len(args)-1] != "out.flac" {
		t.Errorf("Expected output file last, got %s", args[len(args)-1])
	}
}

func TestBuildArgs_DefaultGain(t *testing.T) {
	joined := strings.Join(buildArgs(Job{Src: "a", Dst: "b", Mode: FLAC24}), " ")
	if !strings.Contains(joined, "volume=1") || !strings.Contains(joined, "-sample_fmt s32") {
		t.Errorf("Unexpected args: %s", joined)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": None, "none": None, "FLAC": FLAC24, "flac24": FLAC24, "flac16": FLAC16} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("mp3"); err == nil {
		t.Error("Expected error for mp3")
	}
	if FLAC16.Extension() != ".flac" || None.Extension() != "" {
		t.Error("Unexpected extensions")
	}
}

func TestFFmpeg_MissingInput(t *testing.T) {
	f := NewFFmpeg()
	err := f.Encode(context.Background(), Job{Src: filepath.Join(t.TempDir(), "missing.wav"), Dst: "x.flac"})
	if err == nil || !strings.Contains(err.Error(), "input file not found") {
		t.Errorf("Expected missing input error, got %v", err)
	}
}
