package main

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// checkExternalTools verifies both external binaries exist and answer a
// version query. The server refuses to start without them.
func checkExternalTools(cfg *Config) error {
	for _, tool := range []string{cfg.YtdlpPath, cfg.FFmpegPath} {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool %q not found in PATH: %w", tool, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, cfg.YtdlpPath, "--version").Output()
	if err != nil {
		return fmt.Errorf("%s --version: %w", cfg.YtdlpPath, err)
	}
	log.Printf("%s version %s", cfg.YtdlpPath, strings.TrimSpace(string(out)))

	out, err = exec.CommandContext(ctx, cfg.FFmpegPath, "-version").Output()
	if err != nil {
		return fmt.Errorf("%s -version: %w", cfg.FFmpegPath, err)
	}
	log.Printf("%s: %s", cfg.FFmpegPath, firstLine(string(out)))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
