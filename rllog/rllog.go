// Package rllog provides the structured logger that cmd/ratelimit-demo
// writes through (the library packages do not log), following the
// teacher's own common/logging.go: a single
// package-level *logrus.Logger with error-level records routed to stderr and
// everything else to stdout, so log shipping can split severity without
// parsing log lines.
package rllog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger. Callers should prefer Logger.WithField /
// WithError over the package-level logrus default logger so every log line
// carries this module's formatter and output split.
var Logger = logrus.New()

// OutputSplitter routes error-level entries to stderr and everything else to
// stdout, mirroring the teacher's common/logging.go split so operators can
// scrape stdout for traffic and stderr for incidents without a log-level
// filter in between.
type OutputSplitter struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	if bytesContainLevelError(p) {
		return s.Stderr.Write(p)
	}
	return s.Stdout.Write(p)
}

func bytesContainLevelError(p []byte) bool {
	const needle = "level=error"
	for i := 0; i+len(needle) <= len(p); i++ {
		if string(p[i:i+len(needle)]) == needle {
			return true
		}
	}
	return false
}

func init() {
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	Logger.SetOutput(&OutputSplitter{Stdout: os.Stdout, Stderr: os.Stderr})
}

// SetLevel parses level (e.g. "debug", "info", "warn") and applies it,
// falling back to info on an unrecognized value rather than failing startup
// over a typo'd environment variable.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}
