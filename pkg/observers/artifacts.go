package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Per-session artifact files, named <session><suffix> inside the artifacts dir.
const (
	TimelineSuffix = ".jsonl"
	UsageSuffix    = ".usage.json"
)

func artifactPath(dir, sessionID, suffix string) string {
	return filepath.Join(dir, sanitizeID(sessionID)+suffix)
}

// sanitizeID keeps session ids usable as file names. It returns "" for a
// blank id.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(id))
}

func isArtifact(name string) bool {
	return strings.HasSuffix(name, TimelineSuffix) || strings.HasSuffix(name, UsageSuffix)
}

// PurgeArtifacts deletes session artifacts in dir last written before
// now-maxAge and returns how many were removed. Unrelated files, and a
// missing dir, are not errors.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
