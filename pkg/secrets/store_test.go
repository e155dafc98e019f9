package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantErr     bool
		errContains string
	}{
		{name: "memory", cfg: Config{Provider: "memory"}},
		{name: "env", cfg: Config{Provider: "env"}},
		{name: "default is env", cfg: Config{}},
		{name: "file missing dir", cfg: Config{Provider: "file", Dir: "/nonexistent/fleet-agent"}, wantErr: true, errContains: "not accessible"},
		{name: "unknown provider", cfg: Config{Provider: "unknown"}, wantErr: true, errContains: "unsupported secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if tc.errContains != "" && !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, want contains %q", err.Error(), tc.errContains)
				}
				if store != nil {
					t.Fatalf("store should be nil when error occurs")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store == nil {
				t.Fatalf("store should not be nil")
			}
		})
	}
}

func TestStoreBasicContract(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	stores := map[string]Store{"memory": NewMemoryStore(), "env": NewEnvStore(), "file": fs}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			if err := s.Set(ctx, "FLEET_SECRET_TEST_KEY", "value"); err != nil {
				t.Fatalf("set secret failed: %v", err)
			}
			got, err := s.Get(ctx, "FLEET_SECRET_TEST_KEY")
			if err != nil {
				t.Fatalf("get secret failed: %v", err)
			}
			if got != "value" {
				t.Fatalf("get secret = %q, want value", got)
			}
			if err := s.Delete(ctx, "FLEET_SECRET_TEST_KEY"); err != nil {
				t.Fatalf("delete secret failed: %v", err)
			}
			_, err = s.Get(ctx, "FLEET_SECRET_TEST_KEY")
			if !IsNotFound(err) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tok, err := Token(ctx, s, "AGENT_TOKEN")
	if err != nil || tok != "" {
		t.Fatalf("missing token: got %q, %v", tok, err)
	}

	_ = s.Set(ctx, "AGENT_TOKEN", "  abc123\n")
	tok, err = Token(ctx, s, "AGENT_TOKEN")
	if err != nil || tok != "abc123" {
		t.Fatalf("token: got %q, %v", tok, err)
	}

	tok, err = Token(ctx, nil, "AGENT_TOKEN")
	if err != nil || tok != "" {
		t.Fatalf("nil store: got %q, %v", tok, err)
	}
}

func TestFileStore_ReadsMountedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENT_TOKEN"), []byte("mounted"), 0600); err != nil {
		t.Fatal(err)
	}
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	got, err := s.Get(context.Background(), "AGENT_TOKEN")
	if err != nil || got != "mounted" {
		t.Fatalf("Get: got %q, %v", got, err)
	}
}

func TestVaultStore_KVv2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/fleet/AGENT_TOKEN" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": map[string]any{"value": "from-vault"},
			},
		})
	}))
	defer srv.Close()

	s, err := NewVaultStore(VaultConfig{Address: srv.URL, Token: "root", PathPrefix: "secret/data/fleet"})
	if err != nil {
		t.Fatalf("NewVaultStore: %v", err)
	}
	got, err := s.Get(context.Background(), "AGENT_TOKEN")
	if err != nil || got != "from-vault" {
		t.Fatalf("Get: got %q, %v", got, err)
	}

	_, err = s.Get(context.Background(), "MISSING")
	if !IsNotFound(err) {
		t.Fatalf("missing key: expected not found, got %v", err)
	}
}
