package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordLogger) Debug(format string, args ...any) {}
func (l *recordLogger) Info(format string, args ...any)  {}
func (l *recordLogger) Warn(format string, args ...any)  {}
func (l *recordLogger) Error(format string, args ...any) {
	l.mu.Lock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordLogger) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1]
}

func TestGoContainsPanic(t *testing.T) {
	logger := &recordLogger{}
	Go(logger, "test.worker", func() {
		panic("boom")
	})

	deadline := time.Now().Add(5 * time.Second)
	for logger.last() == "" {
		if time.Now().After(deadline) {
			t.Fatal("panic never logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	entry := logger.last()
	if !strings.Contains(entry, "[test.worker]") || !strings.Contains(entry, "boom") {
		t.Fatalf("panic not logged with worker name: %q", entry)
	}
}

func TestGoNilLoggerAndEmptyName(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine did not finish")
	}
}
