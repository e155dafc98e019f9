package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStatusServer(t *testing.T, connected bool) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health/v1/isConnectedToServer":
			if connected {
				_, _ = w.Write([]byte("OK!"))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Bad!"))
		case "/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"runtimeStatus":"Idle","transport":"http"}`))
		case "/metrics":
			_, _ = w.Write([]byte("# HELP fleet_agent_busy x\nfleet_agent_busy 0\nfleet_agent_ping_total{result=\"ok\"} 3\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	t.Setenv("FLEET_AGENT_STATUS_URL", srv.URL)
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Health(t *testing.T) {
	newStatusServer(t, true)
	code, out, _ := runCLI("health")
	if code != 0 || strings.TrimSpace(out) != "connected" {
		t.Fatalf("health connected: code=%d out=%q", code, out)
	}

	newStatusServer(t, false)
	code, out, _ = runCLI("health")
	if code != 2 {
		t.Fatalf("health lost contact: code=%d out=%q", code, out)
	}
}

func TestRun_Status(t *testing.T) {
	newStatusServer(t, true)
	code, out, errOut := runCLI("status")
	if code != 0 {
		t.Fatalf("status: code=%d stderr=%q", code, errOut)
	}
	if !strings.Contains(out, `"runtimeStatus": "Idle"`) {
		t.Fatalf("status output missing runtimeStatus: %s", out)
	}
}

func TestRun_MetricsPrefix(t *testing.T) {
	newStatusServer(t, true)
	code, out, _ := runCLI("metrics", "fleet_agent_ping")
	if code != 0 {
		t.Fatalf("metrics: code=%d", code)
	}
	if strings.TrimSpace(out) != `fleet_agent_ping_total{result="ok"} 3` {
		t.Fatalf("unexpected filtered metrics: %q", out)
	}
}

func TestRun_ConfigValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  transport: \"channel\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	code, _, errOut := runCLI("config", path)
	if code != 1 || !strings.Contains(errOut, "channel_url") {
		t.Fatalf("config without channel_url: code=%d stderr=%q", code, errOut)
	}

	if err := os.WriteFile(path, []byte("agent:\n  server_url: \"https://ci.example.com/go\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	code, out, _ := runCLI("config", path)
	if code != 0 || !strings.Contains(out, `"transport": "http"`) {
		t.Fatalf("config: code=%d out=%q", code, out)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := runCLI("bogus")
	if code != 1 || !strings.Contains(errOut, "Unknown command") {
		t.Fatalf("unknown: code=%d stderr=%q", code, errOut)
	}
}
