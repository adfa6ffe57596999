// Package logging constructs the single slog.Logger every blockvault
// command threads through the packages that do I/O (puller, nbd),
// matching the structured, text-handler logging idiom the CAS layer's
// own design is grounded on.
package logging

import (
	"io"
	"log/slog"
)

// New returns a text-handler logger writing to w, at LevelDebug when
// verbose is set and LevelInfo otherwise.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
