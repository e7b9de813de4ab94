package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ExtractionAttempt records one persona attempt. The engine keeps only the
// last failed attempt; its stderr feeds corrective-retry decisions and, when
// every persona is exhausted, the error classifier.
type ExtractionAttempt struct {
	Persona   Persona
	StartedAt time.Time
	Stderr    string
	ExitCode  int
}

// correction describes a persona-specific corrective retry derived from the
// failed attempt's stderr. At most one correction is applied per persona.
type correction struct {
	name       string
	proxy      string // replacement proxy endpoint
	dropProxy  bool
	extraFlags []string
}

// Extractor runs the ordered persona fallback against the extraction tool.
type Extractor struct {
	cfg *Config
	run cmdRunner
}

func NewExtractor(cfg *Config) *Extractor {
	return &Extractor{cfg: cfg, run: runCommand}
}

// Extract downloads the source audio for a job, trying each persona in order
// until one succeeds. It returns the discovered artifact path, or a
// ClassifiedError built from the last failed attempt once every persona is
// exhausted.
func (e *Extractor) Extract(ctx context.Context, job *ConversionJob, short bool) (string, error) {
	personas := orderedPersonas(e.cfg)
	if short && e.cfg.ForcedPersona == "" {
		personas = biasCompact(personas, e.cfg.ShortFormPersona)
	}

	var last *ExtractionAttempt
	for _, p := range personas {
		path, attempt, err := e.tryPersona(ctx, job, p)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
		last = attempt
		// A failed persona must not leave partial artifacts behind to
		// confuse the next attempt's file discovery.
		e.cleanupPartials(job.ID)
	}

	if last != nil {
		return "", classifyExtractorOutput(last.Stderr)
	}
	return "", &ClassifiedError{
		Kind:    KindUnavailable,
		Message: "No extraction personas are configured.",
	}
}

// tryPersona runs one persona, applying at most one corrective retry when the
// failure output indicates a recoverable condition. A non-nil error is only
// returned for caller cancellation.
func (e *Extractor) tryPersona(ctx context.Context, job *ConversionJob, p Persona) (string, *ExtractionAttempt, error) {
	attempt, err := e.runAttempt(ctx, job, p, nil)
	if err != nil {
		return "", nil, err
	}
	if path := e.finishAttempt(job, p, attempt); path != "" {
		return path, attempt, nil
	}

	corr, ok := e.correctiveAction(p, attempt.Stderr)
	if !ok {
		return "", attempt, nil
	}
	log.Printf("job %s: persona %s corrective retry (%s)", job.ID, p.Name, corr.name)
	e.cleanupPartials(job.ID)

	retry, err := e.runAttempt(ctx, job, p, &corr)
	if err != nil {
		return "", nil, err
	}
	if path := e.finishAttempt(job, p, retry); path != "" {
		return path, retry, nil
	}
	return "", retry, nil
}

// finishAttempt resolves a successful attempt to its artifact path and
// records the outcome metric. It returns "" when the attempt failed or the
// artifact cannot be found.
func (e *Extractor) finishAttempt(job *ConversionJob, p Persona, attempt *ExtractionAttempt) string {
	if attempt.ExitCode != 0 {
		extractionAttemptsTotal.WithLabelValues(p.Name, "failure").Inc()
		return ""
	}
	path, err := e.discoverOutput(job.ID)
	if err != nil {
		// Tool exited 0 but produced nothing usable; treat as a failure.
		log.Printf("job %s: persona %s reported success but %v", job.ID, p.Name, err)
		extractionAttemptsTotal.WithLabelValues(p.Name, "failure").Inc()
		return ""
	}
	extractionAttemptsTotal.WithLabelValues(p.Name, "success").Inc()
	return path
}

func (e *Extractor) runAttempt(ctx context.Context, job *ConversionJob, p Persona, corr *correction) (*ExtractionAttempt, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.ExtractTimeout)
	defer cancel()

	attempt := &ExtractionAttempt{Persona: p, StartedAt: time.Now()}
	res, err := e.run(actx, e.cfg.YtdlpPath, e.buildArgs(job, p, corr))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Attempt-level timeout or start failure counts as a failed attempt.
		attempt.ExitCode = -1
		attempt.Stderr = strings.TrimSpace(res.Stderr + "\n" + err.Error())
		return attempt, nil
	}
	attempt.ExitCode = res.ExitCode
	attempt.Stderr = res.Stderr
	return attempt, nil
}

// buildArgs assembles the extraction-tool invocation for a persona, with an
// optional correction applied.
func (e *Extractor) buildArgs(job *ConversionJob, p Persona, corr *correction) []string {
	args := []string{
		"-f", p.Format,
		"--no-playlist",
		"--no-warnings",
		"--no-progress",
		"-o", e.outputTemplate(job.ID),
	}
	if p.Client != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+p.Client)
	}
	if p.UserAgent != "" {
		args = append(args, "--user-agent", p.UserAgent)
	}
	for _, h := range p.Headers {
		args = append(args, "--add-header", h)
	}

	proxy := ""
	if p.UsesProxy {
		proxy = e.cfg.ProxyFor(hostOf(job.NormalizedURL))
	}
	if corr != nil {
		if corr.dropProxy {
			proxy = ""
		} else if corr.proxy != "" {
			proxy = corr.proxy
		}
		args = append(args, corr.extraFlags...)
	}
	if proxy != "" {
		args = append(args, "--proxy", proxy)
	}

	return append(args, job.NormalizedURL)
}

func (e *Extractor) outputTemplate(jobID string) string {
	return filepath.Join(e.cfg.ScratchDir, jobID+"-src.%(ext)s")
}

// correctiveAction inspects a failed attempt's stderr and decides whether a
// persona-specific retry applies. The predicates are independent so each can
// be tested on its own.
func (e *Extractor) correctiveAction(p Persona, stderr string) (correction, bool) {
	switch {
	case p.UsesProxy && isUnsupportedProxyScheme(stderr):
		downgraded, ok := downgradeProxyScheme(e.cfg.ProxyURL)
		if !ok {
			return correction{}, false
		}
		return correction{name: "proxy scheme downgrade", proxy: downgraded}, true
	case p.UsesProxy && isProxyConnectFailure(stderr):
		return correction{name: "proxy strip", dropProxy: true}, true
	case isStreamContainerIssue(stderr):
		return correction{name: "container-tolerant flags", extraFlags: []string{"--hls-prefer-native"}}, true
	}
	return correction{}, false
}

func isUnsupportedProxyScheme(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "unsupported proxy type")
}

func isProxyConnectFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "unable to connect to proxy") ||
		strings.Contains(lower, "proxyerror") ||
		(strings.Contains(lower, "proxy") && strings.Contains(lower, "connection refused"))
}

func isStreamContainerIssue(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "m3u8") ||
		strings.Contains(lower, "hls") && strings.Contains(lower, "fragment")
}

// downgradeProxyScheme rewrites an https proxy endpoint to plain http for
// tools that cannot speak TLS to the proxy itself.
func downgradeProxyScheme(proxyURL string) (string, bool) {
	if strings.HasPrefix(proxyURL, "https://") {
		return "http://" + strings.TrimPrefix(proxyURL, "https://"), true
	}
	return "", false
}

// discoverOutput locates the artifact a successful attempt produced. The
// output template pins the filename prefix to the job ID, so discovery scans
// for that prefix instead of trusting the tool's own reported path; personas
// write under different implicit extensions.
func (e *Extractor) discoverOutput(jobID string) (string, error) {
	entries, err := os.ReadDir(e.cfg.ScratchDir)
	if err != nil {
		return "", fmt.Errorf("read scratch dir: %w", err)
	}

	prefix := jobID + "-src."
	var best string
	var bestSize int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best = filepath.Join(e.cfg.ScratchDir, name)
			bestSize = info.Size()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no output file with prefix %s", prefix)
	}
	return best, nil
}

// cleanupPartials removes everything a failed attempt may have left under the
// job's source prefix, including the tool's .part and .ytdl droppings.
func (e *Extractor) cleanupPartials(jobID string) {
	entries, err := os.ReadDir(e.cfg.ScratchDir)
	if err != nil {
		return
	}
	prefix := jobID + "-src."
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			os.Remove(filepath.Join(e.cfg.ScratchDir, entry.Name()))
		}
	}
}

// Probe issues a metadata-only query for title, uploader and duration. Probe
// failure is never fatal; callers proceed with defaults.
func (e *Extractor) Probe(ctx context.Context, reference string) (*Metadata, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--skip-download",
		"--print", "title",
		"--print", "uploader",
		"--print", "duration",
		reference,
	}
	res, err := e.run(pctx, e.cfg.YtdlpPath, args)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("probe failed: %s", strings.TrimSpace(res.Stderr))
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	meta := &Metadata{}
	if len(lines) > 0 {
		meta.Title = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		meta.Uploader = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		// The tool prints "NA" for live and duration-less content.
		if d, err := strconv.ParseFloat(strings.TrimSpace(lines[2]), 64); err == nil && d > 0 {
			meta.Duration = d
		}
	}
	return meta, nil
}

func hostOf(reference string) string {
	u, err := url.Parse(reference)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
