package peer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/logging"
)

var errUnknownLogLevel = errors.New("unknown log level")

// NewLoggerFactory builds the logger factory pion writes through.
func NewLoggerFactory(logLevel string) (*logging.DefaultLoggerFactory, error) {
	logLevels := map[string]logging.LogLevel{
		"disable": logging.LogLevelDisabled,
		"error":   logging.LogLevelError,
		"warn":    logging.LogLevelWarn,
		"info":    logging.LogLevelInfo,
		"debug":   logging.LogLevelDebug,
		"trace":   logging.LogLevelTrace,
	}

	level, ok := logLevels[strings.ToLower(logLevel)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownLogLevel, logLevel)
	}

	return &logging.DefaultLoggerFactory{
		Writer:          os.Stderr,
		DefaultLogLevel: level,
		ScopeLevels:     make(map[string]logging.LogLevel),
	}, nil
}
