package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mediaops/transformd/internal/artifact"
	"github.com/mediaops/transformd/internal/jobs"
)

// ArtifactScheme prefixes references to previously produced outputs.
const ArtifactScheme = "artifact:"

var safeFilename = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Fetcher stages declared job inputs into the job's sandbox. Remote inputs
// are downloaded with a size ceiling and a destination guard; artifact
// references are copied from the public store.
type Fetcher struct {
	client    *http.Client
	artifacts *artifact.Store
	maxBytes  int64
	logger    *slog.Logger
}

// New creates a Fetcher. The HTTP client rejects private, loopback, and
// link-local destinations at dial time, after name resolution, so a
// rebinding DNS answer cannot slip past a lookup-time check.
func New(artifacts *artifact.Store, maxBytes int64, timeout time.Duration, logger *slog.Logger) *Fetcher {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   guardDial,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		artifacts: artifacts,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// guardDial rejects connections to internal network destinations.
func guardDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid dial address %q: %w", address, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial address %q is not an IP", address)
	}

	if isDisallowedIP(ip) {
		return fmt.Errorf("destination %s is not allowed", ip)
	}

	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// Validate checks an input reference's shape before any record is created.
// It catches malformed URLs and literal internal addresses synchronously;
// the dial guard remains the authority for resolved destinations.
func (f *Fetcher) Validate(ref string) error {
	if strings.HasPrefix(ref, ArtifactScheme) {
		if strings.TrimPrefix(ref, ArtifactScheme) == "" {
			return jobs.NewError(jobs.ErrInvalidRequest, "empty artifact reference")
		}
		return nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return jobs.NewError(jobs.ErrInvalidRequest, "invalid input URL %q", ref)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return jobs.NewError(jobs.ErrInvalidRequest, "unsupported input URL scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return jobs.NewError(jobs.ErrInvalidRequest, "input URL %q has no host", ref)
	}

	if ip := net.ParseIP(u.Hostname()); ip != nil && isDisallowedIP(ip) {
		return jobs.NewError(jobs.ErrFetch, "input destination %s is not allowed", ip)
	}

	return nil
}

// Stage fetches every input reference into the job's sandbox inputs
// directory and returns the local paths in input order.
func (f *Fetcher) Stage(ctx context.Context, jobID string, refs []string) ([]string, error) {
	dir := f.artifacts.InputsDir(jobID)

	paths := make([]string, 0, len(refs))
	for i, ref := range refs {
		var (
			local string
			err   error
		)
		if strings.HasPrefix(ref, ArtifactScheme) {
			local, err = f.stageArtifact(jobID, dir, i, ref)
		} else {
			local, err = f.download(ctx, jobID, dir, i, ref)
		}
		if err != nil {
			return nil, err
		}
		paths = append(paths, local)
	}

	return paths, nil
}

// stageArtifact copies a previously published output into the sandbox.
func (f *Fetcher) stageArtifact(jobID, dir string, index int, ref string) (string, error) {
	name := strings.TrimPrefix(ref, ArtifactScheme)

	src, err := f.artifacts.ResolvePublic(name)
	if err != nil {
		return "", jobs.NewError(jobs.ErrFetch, "artifact input %q unavailable: %s", name, err)
	}

	local := filepath.Join(dir, fmt.Sprintf("input_%d%s", index, filepath.Ext(name)))

	in, err := os.Open(src)
	if err != nil {
		return "", jobs.NewError(jobs.ErrFetch, "failed to read artifact input %q: %s", name, err)
	}
	defer in.Close()

	out, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", jobs.NewError(jobs.ErrFetch, "failed to stage artifact input %q: %s", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(local)
		return "", jobs.NewError(jobs.ErrFetch, "failed to stage artifact input %q: %s", name, err)
	}
	if err := out.Close(); err != nil {
		return "", jobs.NewError(jobs.ErrFetch, "failed to stage artifact input %q: %s", name, err)
	}

	return local, nil
}

// download streams one remote input to disk, enforcing the size ceiling both
// on the declared Content-Length and on the actual body.
func (f *Fetcher) download(ctx context.Context, jobID, dir string, index int, ref string) (string, error) {
	if err := f.Validate(ref); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", jobs.NewError(jobs.ErrFetch, "invalid input URL %q: %s", ref, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", jobs.NewError(jobs.ErrFetch, "failed to fetch input %q: %s", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", jobs.NewError(jobs.ErrFetch, "input %q returned status %d", ref, resp.StatusCode)
	}

	if resp.ContentLength > f.maxBytes {
		return "", jobs.NewError(jobs.ErrFetch, "input %q exceeds size ceiling (%d > %d bytes)", ref, resp.ContentLength, f.maxBytes)
	}

	local := filepath.Join(dir, inputFilename(index, ref))

	out, err := os.Create(local)
	if err != nil {
		return "", jobs.NewError(jobs.ErrFetch, "failed to create input file: %s", err)
	}
	defer out.Close()

	// One extra byte past the ceiling flags an oversized body whose
	// Content-Length was absent or lied.
	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		os.Remove(local)
		return "", jobs.NewError(jobs.ErrFetch, "failed to download input %q: %s", ref, err)
	}
	if n > f.maxBytes {
		os.Remove(local)
		return "", jobs.NewError(jobs.ErrFetch, "input %q exceeds size ceiling (%d bytes)", ref, f.maxBytes)
	}

	f.logger.Debug("Input staged",
		slog.String("job_id", jobID),
		slog.String("ref", ref),
		slog.Int64("bytes", n),
	)

	return local, nil
}

// inputFilename derives a sandbox-safe filename for a staged input,
// preserving the extension when the URL carries a usable one.
func inputFilename(index int, ref string) string {
	name := ""
	if u, err := url.Parse(ref); err == nil {
		name = path.Base(u.Path)
	}

	ext := filepath.Ext(name)
	if !safeFilename.MatchString(name) || ext == "" {
		return fmt.Sprintf("input_%d_%s", index, uuid.New().String())
	}

	return fmt.Sprintf("input_%d%s", index, ext)
}
