// Package originrules matches origins against the configured exclusion
// patterns. Patterns are PCRE so operators can express things like
// `(^|\.)internal\.corp$` that Go's RE2 rejects lookarounds for.
package originrules

import (
	"sync"

	"log/slog"

	"go.elara.ws/pcre"

	"carbonscope/internal/settings"
)

var (
	mu       sync.Mutex
	compiled map[string]*pcre.Regexp
)

// IsExcluded reports whether the origin matches any configured exclusion
// pattern. A pattern that fails to compile is logged once and skipped;
// misconfiguration never blocks ingestion.
func IsExcluded(origin string, logger *slog.Logger) bool {
	patterns, err := settings.GetExcludedOriginPatterns()
	if err != nil {
		logger.Warn("Failed to load excluded origin patterns", slog.Any("error", err))
		return false
	}
	if len(patterns) == 0 {
		return false
	}

	mu.Lock()
	defer mu.Unlock()
	if compiled == nil {
		compiled = make(map[string]*pcre.Regexp)
	}

	for _, pattern := range patterns {
		re, ok := compiled[pattern]
		if !ok {
			var compileErr error
			re, compileErr = pcre.Compile(pattern)
			if compileErr != nil {
				logger.Warn("Invalid excluded origin pattern, skipping",
					slog.String("pattern", pattern),
					slog.Any("error", compileErr))
				compiled[pattern] = nil
				continue
			}
			compiled[pattern] = re
		}
		if re == nil {
			continue
		}
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// ResetCache drops compiled patterns; intended for tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	compiled = nil
}
