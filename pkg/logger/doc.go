// Package logger builds the process logger on top of log/slog: text output
// for development and staging, JSON for production, tagged with the
// environment name.
package logger
