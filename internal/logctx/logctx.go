// Package logctx builds the *logrus.Logger every component threads through
// as a *logrus.Entry with a "component" field, the convention used
// throughout drivers/pkg/faulttolerance (teacher).
package logctx

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New parses LOG_LEVEL (spec.md §6: DEBUG/INFO/WARN/ERROR) and returns a
// logger writing structured fields to stdout.
func New(level string) (*logrus.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log, nil
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "INFO":
		return logrus.InfoLevel, nil
	case "WARN", "WARNING":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("logctx: unrecognized LOG_LEVEL %q", level)
	}
}
