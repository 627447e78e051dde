package plugin

import (
	"context"
	"log/slog"
)

// Run screens in with every screener and returns the merged warnings in screener order,
// without duplicates. Screener errors are logged and skipped.
func Run(ctx context.Context, logger *slog.Logger, screeners []Screener, in ScreenInput) []string {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var warnings []string
	seen := make(map[string]bool)
	for _, s := range screeners {
		verdict, err := s.Screen(ctx, in)
		if err != nil {
			logger.Warn("screener failed", "screener", s.Name(), "method", in.Method, "error", err)
			continue
		}
		for _, w := range verdict.Warnings {
			if w == "" || seen[w] {
				continue
			}
			seen[w] = true
			warnings = append(warnings, w)
		}
	}
	return warnings
}
