package relay

import (
	"github.com/sammck-go/logger"
)

// rootLogger returns a fresh top-level Logger for the relay, honoring the
// LOG_LEVEL environment convention documented in SPEC_FULL.md §6.
func rootLogger(name string, levelName string) logger.Logger {
	level := logger.StringToLogLevel(levelName)
	if level == logger.LogLevelUnknown {
		level = logger.LogLevelInfo
	}
	return logger.NewLogger(name, level)
}

// forkf is a small convenience wrapper around Logger.Fork that keeps call
// sites free of the printf-vs-plain distinction made by the underlying
// interface.
func forkf(l logger.Logger, prefix string, args ...interface{}) logger.Logger {
	return l.Fork(prefix, args...)
}
