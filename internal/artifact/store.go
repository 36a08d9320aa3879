package artifact

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store manages all job-associated files: per-job sandbox directories for
// inputs and intermediates, and a public area for retained outputs.
//
// Layout under the root:
//
//	jobs/<job-id>/inputs/  staged input files
//	jobs/<job-id>/work/    intermediates produced by the tool
//	jobs/<job-id>/out/     output before publication
//	public/                retained outputs, served at the base URL
type Store struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

// New creates the store and its directory skeleton.
func New(root, baseURL string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}

	for _, dir := range []string{s.jobsDir(), s.PublicDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}

	return s, nil
}

func (s *Store) jobsDir() string {
	return filepath.Join(s.root, "jobs")
}

// PublicDir returns the directory retained outputs are served from.
func (s *Store) PublicDir() string {
	return filepath.Join(s.root, "public")
}

// SandboxDir returns the sandbox root for a job.
func (s *Store) SandboxDir(jobID string) string {
	return filepath.Join(s.jobsDir(), jobID)
}

// InputsDir returns the staged-inputs directory inside a job's sandbox.
func (s *Store) InputsDir(jobID string) string {
	return filepath.Join(s.SandboxDir(jobID), "inputs")
}

// WorkDir returns the intermediates directory inside a job's sandbox.
func (s *Store) WorkDir(jobID string) string {
	return filepath.Join(s.SandboxDir(jobID), "work")
}

// OutDir returns the output directory inside a job's sandbox.
func (s *Store) OutDir(jobID string) string {
	return filepath.Join(s.SandboxDir(jobID), "out")
}

// CreateSandbox creates the sandbox directory tree for a job.
func (s *Store) CreateSandbox(jobID string) (string, error) {
	for _, dir := range []string{s.InputsDir(jobID), s.WorkDir(jobID), s.OutDir(jobID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create sandbox for job %s: %w", jobID, err)
		}
	}
	return s.SandboxDir(jobID), nil
}

// RemoveSandbox deletes a job's sandbox and everything in it. Removing a
// sandbox that does not exist is a no-op.
func (s *Store) RemoveSandbox(jobID string) error {
	if err := os.RemoveAll(s.SandboxDir(jobID)); err != nil {
		return fmt.Errorf("failed to remove sandbox for job %s: %w", jobID, err)
	}
	return nil
}

// Publish moves a produced output from the job's sandbox into the public
// area under a fresh name and returns the artifact reference. A timestamp
// sidecar records creation time for expiry sweeps.
func (s *Store) Publish(jobID, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("output file missing for job %s: %w", jobID, err)
	}

	ref := uuid.New().String() + filepath.Ext(localPath)
	target := filepath.Join(s.PublicDir(), ref)

	if err := os.Rename(localPath, target); err != nil {
		// Rename fails across filesystems; fall back to copy.
		if err := copyFile(localPath, target); err != nil {
			return "", fmt.Errorf("failed to publish artifact for job %s: %w", jobID, err)
		}
	}

	meta := target + ".meta"
	if err := os.WriteFile(meta, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("failed to write artifact metadata: %w", err)
	}

	s.logger.Info("Artifact published",
		slog.String("job_id", jobID),
		slog.String("ref", ref),
	)

	return ref, nil
}

// URLFor returns the public URL path for an artifact reference.
func (s *Store) URLFor(ref string) string {
	return s.baseURL + "/" + ref
}

// ResolvePublic returns the filesystem path of a published artifact,
// rejecting references that climb out of the public directory.
func (s *Store) ResolvePublic(ref string) (string, error) {
	if ref == "" || strings.Contains(ref, "/") || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid artifact reference: %q", ref)
	}

	path := filepath.Join(s.PublicDir(), ref)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("artifact %s not found: %w", ref, err)
	}

	return path, nil
}

// Remove deletes a published artifact and its metadata sidecar.
func (s *Store) Remove(ref string) error {
	path := filepath.Join(s.PublicDir(), ref)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact %s: %w", ref, err)
	}
	if err := os.Remove(path + ".meta"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact metadata %s: %w", ref, err)
	}
	return nil
}

// SweepPublic removes published artifacts older than maxAge. Age comes from
// the metadata sidecar when present, file mtime otherwise. Returns the
// number of files removed and bytes freed.
func (s *Store) SweepPublic(maxAge time.Duration) (int, int64) {
	entries, err := os.ReadDir(s.PublicDir())
	if err != nil {
		s.logger.Error("Failed to read public artifact directory",
			slog.Any("error", err),
		)
		return 0, 0
	}

	now := time.Now()
	removed := 0
	var freed int64

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".meta") {
			continue
		}

		path := filepath.Join(s.PublicDir(), name)
		age := s.artifactAge(path, now)
		if age <= maxAge {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if err := s.Remove(name); err != nil {
			s.logger.Error("Failed to remove expired artifact",
				slog.String("ref", name),
				slog.Any("error", err),
			)
			continue
		}

		removed++
		freed += info.Size()
	}

	if removed > 0 {
		s.logger.Info("Expired artifacts removed",
			slog.Int("count", removed),
			slog.Int64("bytes_freed", freed),
		)
	}

	return removed, freed
}

// artifactAge determines how old an artifact is, preferring the metadata
// sidecar over mtime.
func (s *Store) artifactAge(path string, now time.Time) time.Duration {
	if data, err := os.ReadFile(path + ".meta"); err == nil {
		if created, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data))); err == nil {
			return now.Sub(created)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return now.Sub(info.ModTime())
}

// SweepOrphans removes sandbox directories whose owning job record no
// longer exists, once they are older than the grace period. A sandbox left
// by a crashed worker before the job record linkage completed is exactly
// this case.
func (s *Store) SweepOrphans(grace time.Duration, isLive func(jobID string) bool) int {
	entries, err := os.ReadDir(s.jobsDir())
	if err != nil {
		s.logger.Error("Failed to read sandbox directory",
			slog.Any("error", err),
		)
		return 0
	}

	now := time.Now()
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		jobID := entry.Name()
		if isLive(jobID) {
			continue
		}

		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= grace {
			continue
		}

		if err := s.RemoveSandbox(jobID); err != nil {
			s.logger.Error("Failed to remove orphan sandbox",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			continue
		}

		s.logger.Info("Orphan sandbox removed",
			slog.String("job_id", jobID),
		)
		removed++
	}

	return removed
}

// copyFile streams src into dst and removes src. Media files can run to
// hundreds of megabytes, so the contents never sit in memory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
