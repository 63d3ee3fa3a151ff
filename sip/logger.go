package sip

import "log/slog"

// pkgLogger is the logger the low-level wire tracer and the transaction
// machines fall back to when a caller never installed one.
var pkgLogger *slog.Logger

// SetDefaultLogger installs the slog logger used by this package. Call it
// before constructing parsers or transactions; swapping it mid-flight is
// not synchronized.
func SetDefaultLogger(l *slog.Logger) {
	pkgLogger = l
}

// DefaultLogger returns the installed package logger, or slog.Default.
func DefaultLogger() *slog.Logger {
	if pkgLogger == nil {
		return slog.Default()
	}
	return pkgLogger
}
