package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages are skipped when resolving the reported caller. The metrics
// package logs on behalf of its callers, so its frames are skipped too.
var wrapperPackages = []string{
	"sirupsen/logrus",
	"cryptomaint/logger",
	"cryptomaint/internal/metrics",
}

// callerHook points entry.Caller at the first frame outside the wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	if strings.HasSuffix(fn, "_test") || strings.Contains(fn, ".Test") {
		return false
	}
	for _, p := range wrapperPackages {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}
