package logger

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RetentionPolicy prunes a log directory by file count and by age. Zero
// values disable the corresponding rule.
type RetentionPolicy struct {
	MaxFiles   int
	MaxAgeDays int
}

// PolicyFromEnv reads LLM_ADAPTER_<CATEGORY>_LOG_MAX_FILES and
// LLM_ADAPTER_<CATEGORY>_LOG_MAX_AGE_DAYS.
func PolicyFromEnv(category string) RetentionPolicy {
	upper := strings.ToUpper(category)
	policy := RetentionPolicy{}
	if v := os.Getenv("LLM_ADAPTER_" + upper + "_LOG_MAX_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			policy.MaxFiles = n
		}
	}
	if v := os.Getenv("LLM_ADAPTER_" + upper + "_LOG_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			policy.MaxAgeDays = n
		}
	}
	return policy
}

// Prune removes files beyond the policy from dir. Most recent files win the
// count rule; files in exclude are never removed. A missing directory is not
// an error.
func Prune(dir string, policy RetentionPolicy, exclude []string) error {
	if policy.MaxFiles == 0 && policy.MaxAgeDays == 0 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, path := range exclude {
		excluded[path] = true
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if excluded[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{path: path, modTime: info.ModTime()})
	}

	// newest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	remove := make(map[string]bool)
	if policy.MaxFiles > 0 && len(files) > policy.MaxFiles {
		for _, f := range files[policy.MaxFiles:] {
			remove[f.path] = true
		}
	}
	if policy.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -policy.MaxAgeDays)
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				remove[f.path] = true
			}
		}
	}

	for path := range remove {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
