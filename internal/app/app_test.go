package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/ripeness-api/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DetectorBackend:   config.BackendONNX,
		ModelPath:         filepath.Join(t.TempDir(), "missing.onnx"),
		ModelMetadataPath: filepath.Join(t.TempDir(), "missing.json"),
		DetectorInstances: 1,
		JPEGQuality:       95,
		MaxRequestBytes:   1 << 20,
		MaxImagePixels:    1 << 20,
		ShutdownTimeout:   time.Second,
		AllowedOrigins:    config.DefaultAllowedOrigins,
	}
}

func TestBuildFailsWithoutModelMetadata(t *testing.T) {
	_, err := Build(context.Background(), testConfig(t), zap.NewNop(), Options{})
	if err == nil {
		t.Fatal("expected error for missing metadata")
	}
	if !strings.Contains(err.Error(), "app.load_model_metadata") {
		t.Fatalf("expected metadata operation in error, got %v", err)
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.DetectorBackend = "tensorflow"

	if _, err := Build(context.Background(), cfg, zap.NewNop(), Options{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	a := &App{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return nil },
	}}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected reverse order, got %v", order)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
