package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	SetCategories(nil)
	t.Cleanup(func() {
		SetLogger(nil)
		SetCategories(nil)
	})
	return logs
}

func TestAllCategoriesLog(t *testing.T) {
	logs := observe(t)

	categories := []Category{
		CategoryBoot,
		CategoryKnowledge,
		CategoryQuery,
		CategorySelection,
		CategoryCatalog,
		CategoryExecutor,
		CategoryWatcher,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	if got, want := logs.Len(), len(categories)*4; got != want {
		t.Fatalf("expected %d entries, got %d", want, got)
	}

	for _, cat := range categories {
		entries := logs.FilterLoggerName(string(cat)).All()
		if len(entries) != 4 {
			t.Errorf("category %s: expected 4 entries, got %d", cat, len(entries))
		}
	}
}

func TestDisabledCategoryIsNoop(t *testing.T) {
	logs := observe(t)
	SetCategories(map[string]bool{"query": false})

	if IsCategoryEnabled(CategoryQuery) {
		t.Fatal("query category should be disabled")
	}
	if !IsCategoryEnabled(CategoryKnowledge) {
		t.Fatal("unlisted categories should stay enabled")
	}

	Query("should not appear")
	Knowledge("should appear")

	if logs.FilterLoggerName("query").Len() != 0 {
		t.Error("disabled category produced output")
	}
	if logs.FilterMessage("should appear").Len() != 1 {
		t.Error("enabled category produced no output")
	}
}

func TestConvenienceFunctions(t *testing.T) {
	logs := observe(t)

	Boot("boot %d", 1)
	Knowledge("knowledge %d", 2)
	KnowledgeDebug("knowledge debug")
	Query("query")
	QueryDebug("query debug")
	Selection("selection")
	SelectionDebug("selection debug")
	Catalog("catalog")
	CatalogDebug("catalog debug")
	Executor("executor")
	Watcher("watcher")
	WatcherDebug("watcher debug")

	if logs.Len() != 12 {
		t.Fatalf("expected 12 entries, got %d", logs.Len())
	}
	if logs.FilterMessage("knowledge 2").Len() != 1 {
		t.Error("formatted message missing")
	}
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t)

	Get(CategorySelection).With("algorithm", "shor").Info("selecting")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["algorithm"]; got != "shor" {
		t.Errorf("expected algorithm=shor, got %v", got)
	}
}

func TestTimerThreshold(t *testing.T) {
	logs := observe(t)

	timer := StartTimer(CategoryQuery, "slow op")
	time.Sleep(5 * time.Millisecond)
	timer.StopWithThreshold(time.Millisecond)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warns) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warns))
	}
	if !strings.Contains(warns[0].Message, "slow op") {
		t.Errorf("unexpected message %q", warns[0].Message)
	}
}

func TestInitializeWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "qcselect.log")
	t.Cleanup(func() { SetLogger(nil) })

	if err := Initialize(Options{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	Knowledge("written to file")
	Sync()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "written to file") {
		t.Errorf("log file missing message: %s", content)
	}
}
