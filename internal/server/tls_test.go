package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidekick/internal/config"
)

func TestParseTLSVersion(t *testing.T) {
	cases := map[string]uint16{
		"":       tls.VersionTLS12,
		"1.2":    tls.VersionTLS12,
		"tls1.3": tls.VersionTLS13,
		"1.3":    tls.VersionTLS13,
	}
	for in, want := range cases {
		got, ok := parseTLSVersion(in)
		if !ok || got != want {
			t.Errorf("parseTLSVersion(%q) = %x, %v", in, got, ok)
		}
	}
	if _, ok := parseTLSVersion("1.0"); ok {
		t.Error("1.0 should be rejected")
	}
}

func TestSetupTLSDisabled(t *testing.T) {
	cfg, err := SetupTLS(config.TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
}

func TestSetupTLSMissingCertificates(t *testing.T) {
	if _, err := SetupTLS(config.TLSConfig{Enabled: true}); err == nil {
		t.Fatal("expected error without cert configuration")
	}
	dir := t.TempDir()
	if _, err := SetupTLS(config.TLSConfig{Enabled: true, Dir: dir}); err == nil {
		t.Fatal("expected error when dir has no certificates and auto_generate is off")
	}
}

func TestSetupTLSAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := SetupTLS(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || len(cfg.Certificates) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	info, err := os.Stat(filepath.Join(dir, tlsKey))
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}

	// a second call reuses the pair
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if _, err := SetupTLS(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatalf("second setup: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(before) != string(after) {
		t.Fatal("certificate regenerated")
	}
}

func TestServeHTTPS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	if err := GenerateSelfSignedCert(certPath, keyPath, []string{"localhost"}, time.Hour); err != nil {
		t.Fatalf("generate: %v", err)
	}
	tlsCfg, err := SetupTLS(config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	srv, err := Listen("127.0.0.1:0", NewRouter(&fakeController{}, Options{BasePath: "/api"}).Handler(), tlsCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	pemBytes, _ := os.ReadFile(certPath)
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(pemBytes)
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
	}
	resp, err := client.Get("https://" + srv.Addr() + "/api/state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
