// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Encodings accepted by New.
const (
	EncodingAuto    = "auto"
	EncodingJSON    = "json"
	EncodingConsole = "console"
)

// New returns a production logger at level. Encoding "auto" writes
// console output to a terminal and JSON otherwise.
func New(level, encoding string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	enc, err := resolveEncoding(encoding, isTerminal(os.Stdout))
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = enc
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if lvl == zapcore.DebugLevel {
		cfg.Development = true
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if enc == EncodingConsole {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

func resolveEncoding(encoding string, tty bool) (string, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingAuto:
		if tty {
			return EncodingConsole, nil
		}
		return EncodingJSON, nil
	case EncodingJSON:
		return EncodingJSON, nil
	case EncodingConsole:
		return EncodingConsole, nil
	default:
		return "", fmt.Errorf("unknown log encoding %q", encoding)
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
