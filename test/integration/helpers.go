package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/config"
	"github.com/fyrsmithlabs/lendingd/internal/httpapi"
	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
	"github.com/fyrsmithlabs/lendingd/internal/services"
)

// testStack is a fully wired daemon reachable over loopback HTTP.
type testStack struct {
	BaseURL  string
	Registry services.Registry
}

// startTestStack builds the service registry the way the daemon does, loads
// the shipped patterns, and serves the HTTP API on a free loopback port.
// Everything is torn down through t.Cleanup.
func startTestStack(t *testing.T) *testStack {
	t.Helper()

	t.Setenv("LENDINGD_AUDIT_DIR", t.TempDir())
	t.Setenv("LENDINGD_PATTERNS_DIR", "../../configs/patterns")

	cfg, err := config.Load()
	require.NoError(t, err, "Should load configuration from environment")

	logger := zap.NewNop()

	reg, err := services.Build(cfg, logger)
	require.NoError(t, err, "Should build service registry")
	t.Cleanup(func() { reg.Close() })

	loader, err := orchestrator.NewLoader(cfg.Patterns.Dir, logger)
	require.NoError(t, err, "Should open pattern directory")
	patterns, err := loader.Load()
	require.NoError(t, err, "Should load shipped patterns")
	require.NotEmpty(t, patterns, "Pattern directory should not be empty")
	reg.Sessions().ReloadPatterns(patterns)

	port := freePort(t)
	srv, err := httpapi.NewServer(httpapi.Dependencies{
		Applications: reg.Applications(),
		Sessions:     reg.Sessions(),
		Recovery:     reg.Recovery(),
		Audit:        reg.Audit(),
		Decisions:    reg.Decisions(),
		Scrubber:     reg.Scrubber(),
		Router:       reg.Router(),
	}, logger, &httpapi.Config{
		Host:          "127.0.0.1",
		Port:          port,
		RatePerSecond: 200,
		RateBurst:     400,
	})
	require.NoError(t, err, "Should create HTTP server")

	go srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	stack := &testStack{
		BaseURL:  fmt.Sprintf("http://127.0.0.1:%d", port),
		Registry: reg,
	}
	stack.waitHealthy(t)
	return stack
}

func (s *testStack) waitHealthy(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.BaseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never became healthy", s.BaseURL)
}

// getJSON performs a GET and decodes the body into out. Returns the status.
func (s *testStack) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.BaseURL + path)
	require.NoError(t, err, "GET %s should not fail at the transport level", path)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "GET %s should return valid JSON", path)
	}
	return resp.StatusCode
}

// postJSON performs a POST with a JSON body and decodes the response into out.
func (s *testStack) postJSON(t *testing.T, path string, body, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err, "request body should marshal")
	resp, err := http.Post(s.BaseURL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err, "POST %s should not fail at the transport level", path)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "POST %s should return valid JSON", path)
	}
	return resp.StatusCode
}

// waitForApplicationSession polls until a live session bound to the
// application shows up. The intake worker starts it asynchronously after the
// application is created.
func (s *testStack) waitForApplicationSession(t *testing.T, applicationID string) orchestrator.SessionSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var list httpapi.SessionListResponse
		if s.getJSON(t, "/api/v1/sessions", &list) == http.StatusOK {
			for _, snap := range list.Sessions {
				if id, _ := snap.Context["application_id"].(string); id == applicationID && !snap.Status.Terminal() {
					return snap
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no session appeared for application %s", applicationID)
	return orchestrator.SessionSnapshot{}
}

// waitForSessionStatus polls the session until it reaches want, failing fast
// when it lands in a different terminal status.
func (s *testStack) waitForSessionStatus(t *testing.T, sessionID string, want orchestrator.SessionStatus) orchestrator.SessionSnapshot {
	t.Helper()
	var snap orchestrator.SessionSnapshot
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status := s.getJSON(t, "/api/v1/sessions/"+sessionID, &snap)
		require.Equal(t, http.StatusOK, status, "session %s should be retrievable", sessionID)
		if snap.Status == want {
			return snap
		}
		if snap.Status.Terminal() {
			t.Fatalf("session %s ended %s (%s) while waiting for %s", sessionID, snap.Status, snap.StatusReason, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s stuck in %s, wanted %s", sessionID, snap.Status, want)
	return snap
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "Should find a free port")
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
