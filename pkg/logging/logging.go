package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger for a service. Debug through warn go to stdout,
// error and above to stderr, so process supervisors can split the streams.
// format is "json" or "console".
func New(level, format, service, version string) zerolog.Logger {
	lvl := parseLevel(level)

	var writer io.Writer
	if format == "console" {
		writer = zerolog.MultiLevelWriter(
			SpecificLevelWriter{
				Writer: zerolog.ConsoleWriter{
					Out:        os.Stdout,
					TimeFormat: time.RFC3339,
				},
				Levels: []zerolog.Level{
					zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel,
				},
			},
			SpecificLevelWriter{
				Writer: zerolog.ConsoleWriter{
					Out: os.Stderr,
				},
				Levels: []zerolog.Level{
					zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel,
				},
			},
		)
	} else {
		writer = zerolog.MultiLevelWriter(
			SpecificLevelWriter{
				Writer: os.Stdout,
				Levels: []zerolog.Level{
					zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel,
				},
			},
			SpecificLevelWriter{
				Writer: os.Stderr,
				Levels: []zerolog.Level{
					zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel,
				},
			},
		)
	}

	return zerolog.New(writer).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// multilevel writer from https://stackoverflow.com/questions/76858037/how-to-use-zerolog-to-filter-info-logs-to-stdout-and-error-logs-to-stderr
type SpecificLevelWriter struct {
	io.Writer
	Levels []zerolog.Level
}

func (w SpecificLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, l := range w.Levels {
		if l == level {
			return w.Write(p)
		}
	}
	return len(p), nil
}
