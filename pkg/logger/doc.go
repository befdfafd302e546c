// Package logger builds the application's slog logger: text output in
// development, JSON in prod, with the environment attached to every record.
// The level can be held in a slog.LevelVar so it follows configuration
// reloads.
package logger
