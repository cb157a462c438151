// Package logging sets up the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxFieldLength = 240

var sensitiveKeys = map[string]bool{
	"nrc":             true,
	"membernrc":       true,
	"member_nrc":      true,
	"nrc_or_passport": true,
	"passport":        true,
	"policy_no":       true,
}

// New returns a JSON logger writing to out at the given level. Unknown levels
// fall back to info.
func New(out io.Writer, level string) *logrus.Logger {
	if out == nil {
		out = os.Stdout
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.AddHook(RedactHook{})
	return logger
}

// RedactHook masks identity numbers in log fields and truncates long strings.
type RedactHook struct{}

// Levels implements logrus.Hook.
func (RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (RedactHook) Fire(entry *logrus.Entry) error {
	for key, value := range entry.Data {
		if key == logrus.ErrorKey {
			continue
		}
		entry.Data[key] = sanitize(key, value)
	}
	return nil
}

func sanitize(key string, value any) any {
	if sensitiveKeys[strings.ToLower(key)] {
		if s, ok := value.(string); ok {
			return Mask(s)
		}
	}
	switch v := value.(type) {
	case string:
		return truncate(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = sanitize(k, inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = sanitize(key, inner)
		}
		return out
	}
	return value
}

// Mask keeps the first and last two characters of a value. Values of four
// characters or fewer are fully starred.
func Mask(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + "***" + string(runes[len(runes)-2:])
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxFieldLength {
		return s
	}
	return string(runes[:maxFieldLength-3]) + "..."
}
