package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	timelineSuffix = ".jsonl"
	usageSuffix    = ".usage.json"
)

// PurgeReport counts what PurgeArtifacts removed.
type PurgeReport struct {
	Sessions int
	Files    int
}

// PurgeArtifacts removes the timeline and usage files of sessions whose most
// recent artifact in dir is older than maxAge. A session's files go together,
// so a recent usage summary keeps its timeline alive and vice versa.
func PurgeArtifacts(dir string, maxAge time.Duration) (PurgeReport, error) {
	var report PurgeReport
	if dir == "" || maxAge <= 0 {
		return report, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report, nil
		}
		return report, err
	}

	type session struct {
		files  []string
		newest time.Time
	}
	sessions := make(map[string]*session)
	var errs error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := artifactSession(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		s := sessions[id]
		if s == nil {
			s = &session{}
			sessions[id] = s
		}
		s.files = append(s.files, entry.Name())
		if info.ModTime().After(s.newest) {
			s.newest = info.ModTime()
		}
	}

	cutoff := time.Now().Add(-maxAge)
	for _, s := range sessions {
		if s.newest.After(cutoff) {
			continue
		}
		removed := 0
		for _, name := range s.files {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			removed++
		}
		if removed > 0 {
			report.Sessions++
			report.Files += removed
		}
	}
	return report, errs
}

func artifactSession(name string) (string, bool) {
	if id, ok := strings.CutSuffix(name, usageSuffix); ok && id != "" {
		return id, true
	}
	if id, ok := strings.CutSuffix(name, timelineSuffix); ok && id != "" {
		return id, true
	}
	return "", false
}
