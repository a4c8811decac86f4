// Package encode re-encodes source files for archives.
package encode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Mode is the target format of an archive encode.
type Mode string

const (
	None   Mode = ""
	FLAC24 Mode = "flac"
	FLAC16 Mode = "flac16"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case None, "none":
		return None, nil
	case FLAC24, "flac24":
		return FLAC24, nil
	case FLAC16:
		return FLAC16, nil
	}
	return None, fmt.Errorf("unknown encode mode %q", s)
}

// Extension of files written in this mode.
func (m Mode) Extension() string {
	if m == None {
		return ""
	}
	return ".flac"
}

// Job describes one source file conversion.
type Job struct {
	Src     string
	Dst     string
	Channel int
	// Gain is baked into the output so the archived source plays at unity.
	Gain float64
	Mode Mode
}

type Encoder interface {
	Encode(ctx context.Context, job Job) error
}

// FFmpeg encodes with the ffmpeg binary.
type FFmpeg struct {
	Binary string
}

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Binary: "ffmpeg"}
}

func (f *FFmpeg) Encode(ctx context.Context, job Job) error {
	// Check if input file exists
	if _, err := os.Stat(job.Src); err != nil {
		return fmt.Errorf("input file not found: %s", job.Src)
	}

	cmd := exec.CommandContext(ctx, f.Binary, buildArgs(job)...)
	slog.Debug("Running FFmpeg for archive encode", "command", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("FFmpeg encode failed: %w\nOutput: %s", err, string(output))
	}

	// Verify output file was created
	if _, err := os.Stat(job.Dst); err != nil {
		return fmt.Errorf("output file not created: %s", job.Dst)
	}
	return nil
}

// buildArgs returns the ffmpeg arguments for a job
func buildArgs(job Job) []string {
	gain := job.Gain
	if gain == 0 {
		gain = 1
	}
	filter := fmt.Sprintf("pan=mono|c0=c%d,volume=%s", job.Channel, strconv.FormatFloat(gain, 'f', -1, 64))

	sampleFmt := "s32"
	if job.Mode == FLAC16 {
		sampleFmt = "s16"
	}

	return []string{
		"-hide_banner",
		"-i", job.Src,
		"-af", filter,
		"-c:a", "flac",
		"-sample_fmt", sampleFmt,
		"-y", // Overwrite output file
		job.Dst,
	}
}
