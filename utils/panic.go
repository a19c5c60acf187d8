package utils

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// StackTraceFromPanic recovers a panic, logs it with its stack trace, and
// re-panics so the failure stays loud. Use with defer.
func StackTraceFromPanic(logger *log.Entry) {
	if r := recover(); r != nil {
		logger.Errorf("panic: %v", r)
		logger.Errorf("stacktrace:\n%s", string(debug.Stack()))
		panic(r)
	}
}
