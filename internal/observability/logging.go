package observability

import (
	"io"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

// SetupLogging sets the jww threshold for both the log writer and stdout.
// Unknown levels fall back to info.
func SetupLogging(level string, w io.Writer) {
	threshold := ParseLevel(level)
	if w != nil {
		jww.SetLogOutput(w)
		jww.SetLogThreshold(threshold)
	}
	jww.SetStdoutThreshold(threshold)
}

// ParseLevel maps a LOG_LEVEL value onto a jww threshold.
func ParseLevel(level string) jww.Threshold {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return jww.LevelTrace
	case "debug":
		return jww.LevelDebug
	case "warn", "warning":
		return jww.LevelWarn
	case "error":
		return jww.LevelError
	case "fatal":
		return jww.LevelFatal
	default:
		return jww.LevelInfo
	}
}
