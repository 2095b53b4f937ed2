package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// outputJSON writes a value as formatted JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputHuman writes a human-readable line.
func outputHuman(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

// newLogger returns a text logger on w. Only warnings are shown unless
// verbose is set.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// truncateString shortens s to maxLen runes, adding an ellipsis.
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// PublishResponse is the JSON output of the publish command.
type PublishResponse struct {
	DOI         string `json:"doi"`
	PreviousDOI string `json:"previous_doi,omitempty"`
	DepositID   int64  `json:"deposit_id"`
	Action      string `json:"action"`
	BaseID      string `json:"base_id,omitempty"`
	Source      string `json:"source,omitempty"`
	Path        string `json:"path"`
}

// SearchResult is one record in the search command output.
type SearchResult struct {
	ID    string `json:"id"`
	DOI   string `json:"doi,omitempty"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}
