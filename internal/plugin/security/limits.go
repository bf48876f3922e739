package security

import (
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// ResourceLimits defines resource limits applied to every plugin.
type ResourceLimits struct {
	// HookTimeout bounds each load, unload and event call. Zero disables it.
	HookTimeout time.Duration

	// MemoryPages caps WebAssembly linear memory (64 KiB pages).
	MemoryPages uint32

	// FileOpsPerSecond limits host file operations. Zero disables it.
	FileOpsPerSecond int

	// MaxLogBytes truncates plugin log messages.
	MaxLogBytes int
}

// DefaultResourceLimits returns sensible default limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		HookTimeout:      5 * time.Second,
		MemoryPages:      256, // 16 MiB
		FileOpsPerSecond: 100,
		MaxLogBytes:      4096,
	}
}

// NewFileOpLimiter returns a token bucket for host file operations, with a
// burst equal to the per-second rate. A non-positive rate never limits.
func (l ResourceLimits) NewFileOpLimiter() *rate.Limiter {
	if l.FileOpsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(l.FileOpsPerSecond), l.FileOpsPerSecond)
}

// TruncateLog shortens msg to at most MaxLogBytes, cutting on a rune
// boundary.
func (l ResourceLimits) TruncateLog(msg string) string {
	if l.MaxLogBytes <= 0 || len(msg) <= l.MaxLogBytes {
		return msg
	}
	cut := l.MaxLogBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "...(truncated)"
}
