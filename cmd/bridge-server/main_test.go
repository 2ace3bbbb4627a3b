package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:               "development",
		LogLevel:          "debug",
		TrackerURL:        "http://tracker.invalid/api",
		TrackerTimeout:    time.Second,
		TargetSystem:      "DHIS2",
		OptionSystem:      "opts",
		SourceSystem:      "EMR",
		PersonLabels:      []string{"person"},
		OrgUnitLevel:      5,
		WorkerConcurrency: 2,
		MappingCacheTTL:   time.Minute,
		UIDSource:         "local",
		RequestTimeout:    5 * time.Second,
		BodyLimit:         "1M",
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.LogLevel = "WARN"
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}

	cfg.LogLevel = "nonsense"
	if lvl := newLogger(cfg, &buf).GetLevel(); lvl != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", lvl)
	}
}

func TestServer_Routes(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	e := a.newServer()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/fhir", `{not json`, http.StatusBadRequest},
		{http.MethodPost, "/fhir", `{"resourceType":"Bundle","type":"batch","entry":[]}`, http.StatusOK},
		{http.MethodGet, "/mappings/programs/missing", "", http.StatusNotFound},
		{http.MethodPost, "/mappings/options", `[]`, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d (%s)", tt.method, tt.path, tt.want, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s %s: missing request id", tt.method, tt.path)
		}
	}
}

func TestServer_RequiresTokenOutsideDev(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "secret"
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	req := httptest.NewRequest(http.MethodPost, "/fhir", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	a.newServer().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
