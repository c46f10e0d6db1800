// Package logging builds the process logger and masks personal identifiers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// New returns a logger writing to w at the given level ("debug", "info",
// "warn", "error") in the given format ("json" or "text").
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case FormatJSON, "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

// MaskSubject keeps the first six characters of a subject id and replaces
// the rest, so log lines stay correlatable without carrying the full id.
// The result is always eleven characters long.
func MaskSubject(subjectID string) string {
	const keep, width = 6, 11
	runes := []rune(subjectID)
	if len(runes) > keep {
		runes = runes[:keep]
	}
	return string(runes) + strings.Repeat("*", width-len(runes))
}
