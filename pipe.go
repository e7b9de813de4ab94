package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errPipeInactivity = errors.New("pipe stalled past the inactivity limit")
	errPipeDeadline   = errors.New("pipe exceeded the total conversion limit")
)

// StreamPipe runs the fast conversion path: the extraction tool writes the
// source stream to stdout and the encoder reads it from stdin, so no source
// artifact ever touches disk. Any failure here is recoverable; callers fall
// back to the discrete extract-then-encode flow.
type StreamPipe struct {
	cfg *Config
}

func NewStreamPipe(cfg *Config) *StreamPipe {
	return &StreamPipe{cfg: cfg}
}

// Run streams one job through the pipe and returns the encoded output path.
// Two watchdogs guard the run: an inactivity watchdog fed by byte movement and
// telemetry lines, and a hard deadline on the whole conversion.
func (p *StreamPipe) Run(ctx context.Context, job *ConversionJob) (string, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outPath := filepath.Join(p.cfg.ScratchDir, job.ID+cacheExt)

	ydl := exec.CommandContext(pctx, p.cfg.YtdlpPath, p.sourceArgs(job)...)
	ff := exec.CommandContext(pctx, p.cfg.FFmpegPath, p.encoderArgs(job, outPath)...)

	srcOut, err := ydl.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("source stdout: %w", err)
	}
	srcErr, err := ydl.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("source stderr: %w", err)
	}
	encIn, err := ff.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("encoder stdin: %w", err)
	}
	encErr, err := ff.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("encoder stderr: %w", err)
	}

	if err := ydl.Start(); err != nil {
		return "", fmt.Errorf("start source: %w", err)
	}
	if err := ff.Start(); err != nil {
		ydl.Process.Kill()
		ydl.Wait()
		return "", fmt.Errorf("start encoder: %w", err)
	}

	// lastActivity holds UnixNano of the most recent sign of progress from
	// either process.
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	var timeoutErr atomic.Value
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		deadline := time.Now().Add(p.cfg.TotalTimeout)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case now := <-ticker.C:
				if now.After(deadline) {
					timeoutErr.Store(errPipeDeadline)
					cancel()
					return
				}
				idle := now.Sub(time.Unix(0, lastActivity.Load()))
				if idle > p.cfg.InactivityTimeout {
					timeoutErr.Store(errPipeInactivity)
					cancel()
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	var copied atomic.Int64
	var copyErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer encIn.Close()
		buf := make([]byte, 256*1024)
		for {
			n, rerr := srcOut.Read(buf)
			if n > 0 {
				touch()
				copied.Add(int64(n))
				if _, werr := encIn.Write(buf[:n]); werr != nil {
					copyErr = werr
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					copyErr = rerr
				}
				return
			}
		}
	}()

	var srcStderr, encProgress pipeTail
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanStderr(srcErr, touch, &srcStderr)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanTelemetry(encErr, touch, &encProgress)
	}()

	// Pipe readers must drain before Wait closes their ends.
	wg.Wait()
	srcWaitErr := ydl.Wait()
	encWaitErr := ff.Wait()

	cancel()
	<-watchdogDone

	if terr, ok := timeoutErr.Load().(error); ok {
		os.Remove(outPath)
		limit := p.cfg.InactivityTimeout
		if errors.Is(terr, errPipeDeadline) {
			limit = p.cfg.TotalTimeout
		}
		return "", fmt.Errorf("%w (%s, copied %d bytes, last encoder position %s)",
			terr, limit, copied.Load(), encProgress.lastPosition())
	}
	if ctx.Err() != nil {
		os.Remove(outPath)
		return "", ctx.Err()
	}
	if srcWaitErr != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("source exited: %w: %s", srcWaitErr, srcStderr.tail())
	}
	if encWaitErr != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("encoder exited: %w: %s", encWaitErr, encProgress.tail())
	}
	if copyErr != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("stream copy: %w", copyErr)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return "", fmt.Errorf("stat output: %w", err)
	}
	if info.Size() < p.cfg.MinOutputBytes {
		os.Remove(outPath)
		return "", fmt.Errorf("output too small: %d bytes (minimum %d)", info.Size(), p.cfg.MinOutputBytes)
	}
	return outPath, nil
}

// sourceArgs builds the extraction side of the pipe. The pipe always runs the
// primary persona; persona fallback is the discrete flow's job.
func (p *StreamPipe) sourceArgs(job *ConversionJob) []string {
	persona := orderedPersonas(p.cfg)[0]
	args := []string{
		"-f", persona.Format,
		"--no-playlist",
		"--no-warnings",
		"--no-progress",
		"-o", "-",
	}
	if persona.Client != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+persona.Client)
	}
	if persona.UserAgent != "" {
		args = append(args, "--user-agent", persona.UserAgent)
	}
	if persona.UsesProxy {
		if proxy := p.cfg.ProxyFor(hostOf(job.NormalizedURL)); proxy != "" {
			args = append(args, "--proxy", proxy)
		}
	}
	return append(args, job.NormalizedURL)
}

func (p *StreamPipe) encoderArgs(job *ConversionJob, outPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-progress", "pipe:2",
		"-i", "pipe:0",
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", job.Quality.Bitrate(),
		"-f", "mp3",
		"-y", outPath,
	}
}

// pipeTail keeps the last few lines of a process stream for error reporting.
type pipeTail struct {
	mu    sync.Mutex
	lines []string
	pos   string
}

func (t *pipeTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > 8 {
		t.lines = t.lines[len(t.lines)-8:]
	}
}

func (t *pipeTail) setPosition(pos string) {
	t.mu.Lock()
	t.pos = pos
	t.mu.Unlock()
}

func (t *pipeTail) lastPosition() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos == "" {
		return "unknown"
	}
	return t.pos
}

func (t *pipeTail) tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}

// scanStderr drains a stderr stream, treating every line as a liveness signal.
func scanStderr(r io.Reader, touch func(), tail *pipeTail) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		touch()
		if line := strings.TrimSpace(sc.Text()); line != "" {
			tail.add(line)
		}
	}
}

// scanTelemetry drains the encoder's combined error and progress stream.
// Progress key=value lines update the position marker; everything else is
// kept as error tail.
func scanTelemetry(r io.Reader, touch func(), tail *pipeTail) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		touch()
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if key, val, ok := strings.Cut(line, "="); ok && isTelemetryKey(key) {
			if key == "out_time" || key == "out_time_ms" {
				tail.setPosition(val)
			}
			continue
		}
		tail.add(line)
	}
}

func isTelemetryKey(key string) bool {
	switch key {
	case "bitrate", "total_size", "out_time_us", "out_time_ms", "out_time",
		"dup_frames", "drop_frames", "speed", "progress", "frame", "fps", "stream_0_0_q":
		return true
	}
	return false
}

// logPipeFallback records why the fast path was abandoned for a job.
func logPipeFallback(job *ConversionJob, err error) {
	pipeFallbacksTotal.Inc()
	log.Printf("job %s: streaming pipe failed, falling back to discrete flow: %v", job.ID, err)
}
