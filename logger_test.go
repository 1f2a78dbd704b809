package kueri

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapLogger(zap.New(core)), logs
}

func TestSimpleLoggerLevels(t *testing.T) {
	logger := NewSimpleLogger()

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")
}

func TestZapLoggerFields(t *testing.T) {
	logger, logs := newObservedLogger()

	logger.Info("query settled", "key", `["user",1]`, "outcome", "success")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "query settled" {
		t.Errorf("Message = %q", entry.Message)
	}
	fields := entry.ContextMap()
	if fields["key"] != `["user",1]` {
		t.Errorf("key field = %v", fields["key"])
	}
	if fields["outcome"] != "success" {
		t.Errorf("outcome field = %v", fields["outcome"])
	}
}

func TestNewZapLoggerNil(t *testing.T) {
	logger := NewZapLogger(nil)
	logger.Warn("discarded")
}

func TestLogrusLogger(t *testing.T) {
	base, hook := logrustest.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	logger := NewLogrusLogger(base)

	logger.Debug("cache hit", "key", "posts")
	logger.Warn("dangling", "lonely")

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.DebugLevel || entries[0].Data["key"] != "posts" {
		t.Errorf("unexpected first entry: %v %v", entries[0].Level, entries[0].Data)
	}
	if entries[1].Data["!BADKEY"] != "lonely" {
		t.Errorf("Expected dangling key under !BADKEY, got %v", entries[1].Data)
	}
}

func TestFieldsOfNonStringKey(t *testing.T) {
	fields := fieldsOf([]interface{}{42, "answer"})
	if fields["42"] != "answer" {
		t.Errorf("fields = %v", fields)
	}
}

func TestDefaultDebugConfig(t *testing.T) {
	config := DefaultDebugConfig()

	if config.Enabled {
		t.Error("Expected debug to be disabled by default")
	}
	if !config.LogRequests || !config.LogCache || !config.LogRetries || !config.LogInvalidation || !config.LogHydration {
		t.Errorf("Expected every category enabled: %+v", config)
	}
	a, b := config.RequestIDGen(), config.RequestIDGen()
	if a == "" || a == b {
		t.Errorf("Expected unique request IDs, got %q and %q", a, b)
	}
}

func TestDebugLoggingOfRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") != "req-42" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	logger, logs := newObservedLogger()
	client := mustNew(t,
		WithBaseURL(server.URL),
		WithDebug(),
		WithLogger(logger),
		WithRequestIDGenerator(func() string { return "req-42" }),
	)

	if _, err := client.Get(context.Background(), "/ping"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if n := logs.FilterMessage("Sending request").Len(); n != 1 {
		t.Errorf("Expected 1 'Sending request' entry, got %d", n)
	}
	completed := logs.FilterMessage("Request completed").All()
	if len(completed) != 1 {
		t.Fatalf("Expected 1 'Request completed' entry, got %d", len(completed))
	}
	if completed[0].ContextMap()["requestID"] != "req-42" {
		t.Errorf("requestID = %v", completed[0].ContextMap()["requestID"])
	}
}
