// Package logx provides leveled, component-tagged logging with thread-aware
// debug output.
//
// Lines look like
//
//	[2026-03-01T12:00:00.000Z] [pipeline/extractor] WARN: thread=abc message
//
// Debug output is off unless DEBUG=1; DEBUG_DOMAINS=orchestrator,store narrows
// it to the listed domains.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

type threadKey struct{}

//nolint:gochecknoglobals // process-wide sink and debug switches
var (
	sink struct {
		sync.Mutex
		w io.Writer // nil means stderr
	}
	debug struct {
		sync.RWMutex
		enabled bool
		domains map[string]bool // nil means every domain
	}
)

func init() { //nolint:gochecknoinits // env switches apply before any logger is used
	v := os.Getenv("DEBUG")
	SetDebug(v == "1" || strings.EqualFold(v, "true"))
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		SetDebugDomains(strings.Split(domains, ","))
	}
}

// SetOutput redirects every logger. Nil restores stderr.
func SetOutput(w io.Writer) {
	sink.Lock()
	defer sink.Unlock()
	sink.w = w
}

// SetDebug toggles debug output.
func SetDebug(enabled bool) {
	debug.Lock()
	defer debug.Unlock()
	debug.enabled = enabled
}

// SetDebugDomains limits debug output to domains. Empty re-enables all.
func SetDebugDomains(domains []string) {
	debug.Lock()
	defer debug.Unlock()
	if len(domains) == 0 {
		debug.domains = nil
		return
	}
	debug.domains = make(map[string]bool, len(domains))
	for _, d := range domains {
		debug.domains[strings.TrimSpace(d)] = true
	}
}

// IsDebugEnabledForDomain reports whether Debug(ctx, domain, ...) would write.
func IsDebugEnabledForDomain(domain string) bool {
	debug.RLock()
	defer debug.RUnlock()
	return debug.enabled && (debug.domains == nil || debug.domains[domain])
}

func debugEnabled() bool {
	debug.RLock()
	defer debug.RUnlock()
	return debug.enabled
}

// WithThreadID tags ctx with the story thread so log lines and metrics can name it.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

// ThreadID returns the thread tagged on ctx, or "".
func ThreadID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(threadKey{}).(string)
	return id
}

func emit(component string, level Level, thread, format string, args ...any) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s: ", time.Now().UTC().Format(timestampFormat), component, level)
	if thread != "" {
		b.WriteString("thread=")
		b.WriteString(thread)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')

	sink.Lock()
	defer sink.Unlock()
	var w io.Writer = os.Stderr
	if sink.w != nil {
		w = sink.w
	}
	_, _ = io.WriteString(w, b.String())
}

// Logger writes lines tagged with the component that produced them and,
// when bound with Ctx, the story thread.
type Logger struct {
	component string
	thread    string
}

// NewLogger returns a logger for component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the component tag.
func (l *Logger) Component() string { return l.component }

// With returns a logger for a sub-component, e.g. "pipeline" -> "pipeline/extractor".
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "/" + sub, thread: l.thread}
}

// Ctx returns a logger that prefixes messages with the thread tagged on ctx.
func (l *Logger) Ctx(ctx context.Context) *Logger {
	thread := ThreadID(ctx)
	if thread == l.thread {
		return l
	}
	return &Logger{component: l.component, thread: thread}
}

// Debug writes only when debug output is enabled.
func (l *Logger) Debug(format string, args ...any) {
	if debugEnabled() {
		emit(l.component, LevelDebug, l.thread, format, args...)
	}
}

func (l *Logger) Info(format string, args ...any) {
	emit(l.component, LevelInfo, l.thread, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	emit(l.component, LevelWarn, l.thread, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	emit(l.component, LevelError, l.thread, format, args...)
}

// Debug writes a domain-filtered debug line tagged with the thread on ctx.
//
//	logx.Debug(ctx, "orchestrator", "turn %d loaded", turn)
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	emit(domain, LevelDebug, ThreadID(ctx), format, args...)
}
