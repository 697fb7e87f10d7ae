package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// vaultServer serves one KV v2 secret at path.
func vaultServer(t *testing.T, path string, payload map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/"+path {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if ns := r.Header.Get("X-Vault-Namespace"); ns != "" && ns != "etl" {
			http.Error(w, "wrong namespace", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": payload}})
	}))
	t.Cleanup(server.Close)
	t.Setenv("VAULT_ADDR", server.URL)
	t.Setenv("VAULT_TOKEN", "test-token")
	return server
}

func TestResolveVault(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"found", "secret/data/dbmigrate/source#password", "s3cret", false},
		{"missing key", "secret/data/dbmigrate/source#nonexistent", "", true},
		{"not a string", "secret/data/dbmigrate/source#port", "", true},
		{"unknown path", "secret/data/other#password", "", true},
		{"no separator", "secret/data/dbmigrate/source", "", true},
		{"empty key", "secret/data/dbmigrate/source#", "", true},
	}
	vaultServer(t, "secret/data/dbmigrate/source", map[string]any{"password": "s3cret", "port": 5432})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveVault(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveVault_Namespace(t *testing.T) {
	vaultServer(t, "secret/data/dbmigrate/target", map[string]any{"password": "ns-pass"})
	t.Setenv("VAULT_NAMESPACE", "etl")

	got, err := resolveVault("secret/data/dbmigrate/target#password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ns-pass" {
		t.Errorf("got %q, want ns-pass", got)
	}
}

func TestResolveVault_MissingEnv(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	if _, err := resolveVault("secret/data/path#key"); err == nil {
		t.Error("expected error when VAULT_ADDR not set")
	}
}

func TestResolveValue_Vault(t *testing.T) {
	vaultServer(t, "secret/data/dbmigrate/target", map[string]any{"db_pass": "hunter2"})

	val, err := ResolveValue("${VAULT:secret/data/dbmigrate/target#db_pass}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "hunter2" {
		t.Errorf("expected 'hunter2', got %q", val)
	}
}
