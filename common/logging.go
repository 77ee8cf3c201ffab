// Package common provides centralized logging infrastructure for the
// NowBridge integration platform. It implements log output routing that
// directs error messages to stderr while sending other log levels to
// stdout, enabling proper stream separation for containerized and
// scripted environments.
//
// The logging system is built on logrus for structured logging with
// custom output handling that supports both development workflows and
// production deployment patterns.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity level. Error-level messages go to stderr so that
// orchestration platforms and log aggregators can treat them with higher
// priority; everything else goes to stdout.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing "level=error" (text
// format) or `"level":"error"` (JSON format) are written to stderr, all
// other lines to stdout.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the shared logger instance used across the platform. Services
// should use this logger (or a ContextLogger derived from it) so output
// handling and formatting stay uniform.
var Logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(&OutputSplitter{})
	return logger
}
