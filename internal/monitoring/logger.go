// Package monitoring holds the process-wide diagnostic logger used by the
// merge pipeline packages.
package monitoring

import (
	"fmt"
	"log"
	"strings"

	"go.uber.org/zap"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// ZapLogf adapts a zap logger to the Logf signature. Messages starting with
// "warning:" are logged at warn level, everything else at info.
func ZapLogf(l *zap.Logger) func(format string, v ...interface{}) {
	sugar := l.WithOptions(zap.AddCallerSkip(1)).Sugar()
	return func(format string, v ...interface{}) {
		msg := fmt.Sprintf(format, v...)
		if strings.HasPrefix(strings.ToLower(msg), "warning:") {
			sugar.Warn(msg)
			return
		}
		sugar.Info(msg)
	}
}
