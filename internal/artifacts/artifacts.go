// Package artifacts centralizes the on-disk layout for task outputs:
// slugged temp files under temp/<kind>/, graph visualization snapshots
// under logs/graphs/, newest-match lookup for fallbacks, and content
// digests for artifact records.
package artifacts

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// Kind selects the temp subdirectory an artifact belongs to.
type Kind string

const (
	KindNotes       Kind = "notes"
	KindScreenshots Kind = "screenshots"
	KindDownloads   Kind = "downloads"
	KindOther       Kind = "other"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	underscoreRun = regexp.MustCompile(`_+`)
)

// Slug converts a human string into a filesystem-safe name: whitespace
// becomes "_", characters outside [A-Za-z0-9_-] are dropped, runs of "_"
// collapse, and the result is trimmed and capped at 64 characters. An
// empty result falls back to "task".
func Slug(text string) string {
	s := whitespaceRun.ReplaceAllString(strings.TrimSpace(text), "_")
	s = unsafeChars.ReplaceAllString(s, "")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "task"
	}
	if len(s) > 64 {
		s = strings.TrimRight(s[:64], "_")
	}
	return s
}

// Store builds and resolves artifact paths below a single root directory.
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	if root == "" {
		root = "."
	}
	return &Store{root: root, now: time.Now}
}

func (s *Store) Root() string { return s.root }

// TempDir returns temp/<kind> under the root, creating it if needed.
func (s *Store) TempDir(kind Kind) (string, error) {
	dir := filepath.Join(s.root, "temp", string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create %s: %w", dir, err)
	}
	return dir, nil
}

// BuildTempFilePath returns temp/<kind>/<slug>_<YYYYMMDD_HHMMSS><ext>,
// creating the directory. The extension may be given with or without the
// leading dot.
func (s *Store) BuildTempFilePath(kind Kind, topic, ext string) (string, error) {
	dir, err := s.TempDir(kind)
	if err != nil {
		return "", err
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := fmt.Sprintf("%s_%s%s", Slug(topic), s.now().Format("20060102_150405"), ext)
	abs, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("artifacts: resolve %s: %w", name, err)
	}
	return abs, nil
}

// GraphSnapshotPath returns logs/graphs/<task>_<step>_<node>.html,
// creating the directory.
func (s *Store) GraphSnapshotPath(taskID, stepID, nodeID string) (string, error) {
	dir := filepath.Join(s.root, "logs", "graphs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s_%s.html", taskID, stepID, nodeID)
	return filepath.Join(dir, name), nil
}

// LatestMatch returns the newest file matching the doublestar pattern,
// interpreted relative to the store root. The boolean reports whether any
// file matched.
func (s *Store) LatestMatch(pattern string) (string, bool, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(s.root, pattern))
	if err != nil {
		return "", false, fmt.Errorf("artifacts: glob %s: %w", pattern, err)
	}
	var (
		newest     string
		newestTime time.Time
	)
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		if newest == "" || fi.ModTime().After(newestTime) {
			newest, newestTime = m, fi.ModTime()
		}
	}
	if newest == "" {
		return "", false, nil
	}
	return newest, true, nil
}

// FileDigest returns the hex blake3 digest of a file's contents.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes returns the hex blake3 digest of b.
func DigestBytes(b []byte) string {
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
