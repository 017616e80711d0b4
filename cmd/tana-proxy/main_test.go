package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"tana-proxy-go/internal/config"
	"tana-proxy-go/internal/metrics"
)

type observed struct {
	method string
	host   string
	header http.Header
	body   string
}

// startApp runs the full fx graph against upstreamURL on an ephemeral port
// and returns a resty client pointed at it.
func startApp(t *testing.T, upstreamURL string) *resty.Client {
	t.Helper()

	var e *echo.Echo
	app := fxtest.New(t,
		appOptions(&config.CLI{Config: "/dev/null"}),
		fx.Decorate(func(c *config.Config) *config.Config {
			c.Server.Host = "127.0.0.1"
			c.Server.Port = 0
			c.Upstream.BaseURL = upstreamURL
			c.Upstream.TimeoutSeconds = 5
			return c
		}),
		fx.Populate(&e),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	return resty.New().SetBaseURL("http://" + e.Listener.Addr().String())
}

func TestApp_ForwardsRequests(t *testing.T) {
	got := make(chan observed, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- observed{r.Method, r.Host, r.Header.Clone(), string(b)}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "tana")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	c := startApp(t, upstream.URL)

	resp, err := c.R().
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer abc").
		SetBody(`{"x":1}`).
		Post("/api/workspaces?limit=1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, `{"ok":true}`, string(resp.Body()))
	assert.Equal(t, "tana", resp.Header().Get("X-Upstream"))

	o := <-got
	assert.Equal(t, http.MethodPost, o.method)
	assert.Equal(t, upstream.Listener.Addr().String(), o.host)
	assert.Equal(t, "Bearer abc", o.header.Get("Authorization"))
	assert.Equal(t, `{"x":1}`, o.body)
}

func TestApp_UpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such node"}`))
	}))
	defer upstream.Close()

	c := startApp(t, upstream.URL)

	resp, err := c.R().Get("/api/nodes/missing")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))
	assert.Equal(t, `{"error":"no such node"}`, string(resp.Body()))
}

func TestApp_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := startApp(t, "http://"+addr)

	resp, err := c.R().Delete("/api/nodes/1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode())
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestApp_UnsupportedMethod(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream must not be called for PATCH")
	}))
	defer upstream.Close()

	c := startApp(t, upstream.URL)

	resp, err := c.R().SetBody("{}").Patch("/api/nodes/1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode())
}

func TestStartServer_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	port := busy.Addr().(*net.TCPAddr).Port
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: port}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lc := fxtest.NewLifecycle(t)
	startServer(lc, echo.New(), cfg, logger)

	err = lc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestStartAdminServer_Disabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	startAdminServer(lc, echo.New(), &config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	lc.RequireStart()
	lc.RequireStop()
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level      string
		enabled    slog.Level
		suppressed slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := newLogger(&config.Config{Log: config.LogConfig{Level: tt.level, Format: "text"}})
			assert.True(t, l.Enabled(context.Background(), tt.enabled))
			assert.False(t, l.Enabled(context.Background(), tt.suppressed))
		})
	}
}

func TestNewAccessLogger_KeepsRequestLines(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			cfg := &config.Config{Log: config.LogConfig{Level: level, Format: "json"}}
			assert.True(t, newAccessLogger(cfg).Enabled(context.Background(), slog.LevelInfo),
				"access lines must survive log.level=%s", level)
		})
	}

	cfg := &config.Config{Log: config.LogConfig{Level: "debug", Format: "text"}}
	assert.True(t, newAccessLogger(cfg).Enabled(context.Background(), slog.LevelDebug))
}

func TestLogConfigSource(t *testing.T) {
	var buf strings.Builder
	logConfigSource(&config.Config{}, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Contains(t, buf.String(), "no config file found")
}

func TestNewEcho_RateLimit(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{
		BodyMaxBytes: 1024,
		RateLimit:    config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1},
	}}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := newEcho(cfg, discard, discard, metrics.New())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", http.NoBody))
		codes[rec.Code]++
	}

	assert.Positive(t, codes[http.StatusNoContent])
	assert.Positive(t, codes[http.StatusTooManyRequests])
}

func TestNewEcho_BodyLimit(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{BodyMaxBytes: 4}}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := newEcho(cfg, discard, discard, metrics.New())
	e.POST("/x", func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", http.NoBody))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("too long body"))
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
