package config

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger: a console writer for "pretty", plain
// JSON lines otherwise.
func (l LoggingConfig) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging.level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if l.Format == "pretty" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
