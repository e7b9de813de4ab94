package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TranscodeError carries the encoder's diagnostic output for a failed run.
type TranscodeError struct {
	ExitCode int
	Stderr   string
}

func (e *TranscodeError) Error() string {
	msg := lastNonEmptyLine(e.Stderr)
	if msg == "" {
		msg = "no diagnostic output"
	}
	return fmt.Sprintf("encoder failed (exit %d): %s", e.ExitCode, msg)
}

// Transcoder converts a downloaded source artifact to mp3 on disk. It is the
// slow path counterpart of StreamPipe.
type Transcoder struct {
	cfg *Config
	run cmdRunner
}

func NewTranscoder(cfg *Config) *Transcoder {
	return &Transcoder{cfg: cfg, run: runCommand}
}

// Transcode encodes srcPath to <scratch>/<jobID>.mp3 and validates the result
// against the minimum size floor.
func (t *Transcoder) Transcode(ctx context.Context, job *ConversionJob, srcPath string) (string, error) {
	outPath := filepath.Join(t.cfg.ScratchDir, job.ID+cacheExt)
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", srcPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", job.Quality.Bitrate(),
		"-f", "mp3",
		"-y", outPath,
	}

	tctx, cancel := context.WithTimeout(ctx, t.cfg.TotalTimeout)
	defer cancel()

	res, err := t.run(tctx, t.cfg.FFmpegPath, args)
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("run encoder: %w", err)
	}
	if res.ExitCode != 0 {
		os.Remove(outPath)
		return "", &TranscodeError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return "", fmt.Errorf("stat output: %w", err)
	}
	if info.Size() < t.cfg.MinOutputBytes {
		os.Remove(outPath)
		return "", fmt.Errorf("output too small: %d bytes (minimum %d)", info.Size(), t.cfg.MinOutputBytes)
	}
	return outPath, nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
