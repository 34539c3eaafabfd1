package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/logging"
)

func TestSetupServesMetrics(t *testing.T) {
	cfg := config.Default()
	p, err := Setup(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	counter, err := p.Meter.Meter("test").Int64Counter("narrator_test_counter")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	if p.Metrics == nil {
		t.Fatalf("expected metrics handler")
	}
	rec := httptest.NewRecorder()
	p.Metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(string(body), "narrator_test_counter") {
		t.Fatalf("counter missing from scrape:\n%s", body)
	}
}

func TestSetupTwice(t *testing.T) {
	for i := 0; i < 2; i++ {
		p, err := Setup(context.Background(), config.Default(), logging.Discard())
		if err != nil {
			t.Fatalf("setup %d: %v", i, err)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}
}
