package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestContextFieldsAreLogged(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.log")
	errOut := filepath.Join(dir, "err.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: out, ErrorPath: errOut}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { globalLogger = nil })

	ctx := WithStage(WithSubmission(context.Background(), "sub-42"), "Compile")
	Info(ctx, "stage finished", zap.String("status", "AC"))
	Error(ctx, "stage crashed")
	_ = Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"submission_id":"sub-42"`, `"stage":"Compile"`, `"status":"AC"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in log output, got %s", want, text)
		}
	}

	errData, err := os.ReadFile(errOut)
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if strings.Contains(string(errData), "stage finished") {
		t.Fatalf("info records must not reach the error sink")
	}
	if !strings.Contains(string(errData), "stage crashed") {
		t.Fatalf("error records must reach the error sink")
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestHelpersAreNoopsWithoutInit(t *testing.T) {
	globalLogger = nil
	Info(context.Background(), "nobody listens")
	if err := Sync(); err != nil {
		t.Fatalf("sync without logger: %v", err)
	}
}
