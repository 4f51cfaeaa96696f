// Package logging builds the slog loggers used by the command-line tools.
package logging
