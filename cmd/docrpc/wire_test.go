package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vinayprograms/docrpc/config"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/shutdown"
	"github.com/vinayprograms/docrpc/transport"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docrpc.toml")
	content := `
[server]
transport = "stdio"

[store.resources]
documents = "documents"
collection = "collections"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		path      string
		transport string
		want      string
		wantErr   bool
	}{
		{name: "defaults", want: config.TransportStdio},
		{name: "file", path: path, want: config.TransportStdio},
		{name: "override", path: path, transport: "http", want: config.TransportHTTP},
		{name: "bad override", transport: "carrier-pigeon", wantErr: true},
		{name: "missing file", path: filepath.Join(t.TempDir(), "nope.toml"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(tt.path, tt.transport)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if cfg.Server.Transport != tt.want {
				t.Errorf("transport = %q, want %q", cfg.Server.Transport, tt.want)
			}
		})
	}
}

func TestTables(t *testing.T) {
	got := tables(map[string]string{"documents": "documents", "docs": "documents", "collection": "collections"})
	if diff := cmp.Diff([]string{"collections", "documents"}, got); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := config.StoreConfig{
		Driver:    config.DriverSQLite,
		Path:      filepath.Join(t.TempDir(), "docs.db"),
		Resources: map[string]string{"documents": "documents"},
	}
	s, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer s.Close()
	if diff := cmp.Diff([]string{"documents"}, s.Tables()); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_HTTPWithSecurity(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Transport = config.TransportHTTP
	cfg.HTTP.Addr = ""
	cfg.Security.Enabled = true
	cfg.Security.Audit = true
	cfg.Security.Keys = []config.KeyConfig{{Principal: "ops", Key: "secret"}}

	ctx := context.Background()
	a, err := build(ctx, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.security == nil {
		t.Error("security layer not built")
	}
	if _, ok := a.adapter.(*transport.HTTPAdapter); !ok {
		t.Errorf("adapter = %T, want *transport.HTTPAdapter", a.adapter)
	}

	coord := shutdown.NewCoordinator(shutdown.Config{Logger: logging.Discard()})
	a.register(coord)
	if err := a.adapter.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if res := coord.Result(); len(res.Results) != 4 {
		t.Errorf("handlers run = %d, want 4", len(res.Results))
	}
}

func TestBuild_StreamEndpointsRequireCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Transport = config.TransportHTTP
	cfg.HTTP.Addr = ""
	cfg.Security.Enabled = true
	cfg.Security.Keys = []config.KeyConfig{
		{Principal: "ops", Key: "secret"},
		{Principal: "writer", Key: "w-key", Methods: []string{"batch_*"}},
	}

	ctx := context.Background()
	a, err := build(ctx, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.release()
	adapter := a.adapter.(*transport.HTTPAdapter)
	if err := adapter.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer adapter.Shutdown(ctx)
	hs := httptest.NewServer(adapter.Handler())
	defer hs.Close()

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{name: "subscribe anonymous", path: "/subscribe", want: http.StatusUnauthorized},
		{name: "subscribe bad key", path: "/subscribe", key: "guess", want: http.StatusUnauthorized},
		{name: "subscribe out of scope", path: "/subscribe", key: "w-key", want: http.StatusForbidden},
		{name: "subscribe with key", path: "/subscribe", key: "secret", want: http.StatusOK},
		{name: "progress anonymous", path: "/progress/op-1", want: http.StatusUnauthorized},
		{name: "progress in scope", path: "/progress/op-1", key: "w-key", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, hs.URL+tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBuild_InvalidKey(t *testing.T) {
	cfg := config.Default()
	cfg.Security.Enabled = true
	cfg.Security.Keys = []config.KeyConfig{{Principal: "ops"}}

	if _, err := build(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("expected error for a key without a secret")
	}
}
