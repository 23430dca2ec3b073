package githubapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func TestInstallationToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/9/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing bearer app JWT")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"ghs_test","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	client, err := New(1234, testPrivateKeyPEM(t), server.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	token, err := client.InstallationToken(context.Background(), 9)
	if err != nil {
		t.Fatalf("InstallationToken() error = %v", err)
	}
	if token.Value != "ghs_test" {
		t.Fatalf("unexpected token %q", token.Value)
	}
}

func TestInstallationTokenNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client, err := New(1234, testPrivateKeyPEM(t), server.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := client.InstallationToken(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repositories/123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghs_test" {
			t.Errorf("unexpected authorization %q", got)
		}
		_, _ = w.Write([]byte(`{"id":123,"full_name":"acme/widgets","owner":{"login":"acme"}}`))
	}))
	defer server.Close()

	client, err := New(1234, testPrivateKeyPEM(t), server.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	repo, err := client.Repository(context.Background(), "ghs_test", 123)
	if err != nil {
		t.Fatalf("Repository() error = %v", err)
	}
	if repo.FullName != "acme/widgets" || repo.Owner != "acme" {
		t.Fatalf("unexpected repository %+v", repo)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	if _, err := New(1234, "not a pem", "https://api.github.com"); err == nil {
		t.Fatal("expected error for invalid private key")
	}
}
