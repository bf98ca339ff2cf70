package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatiCode/voltcast/cmd/server/config"
	"github.com/HatiCode/voltcast/cmd/server/router"
	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/models"
	"github.com/HatiCode/voltcast/pkg/storage"
	voltcasttls "github.com/HatiCode/voltcast/pkg/tls"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadTrend_FromSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := &config.Config{Dataset: "household"}

	got, err := loadTrend(context.Background(), cfg, store)
	if err != nil {
		t.Fatalf("loadTrend() error = %v", err)
	}
	if got != nil {
		t.Errorf("loadTrend() on empty store = %+v, want nil", got)
	}

	trend := &models.TrendModel{Weights: [3]float64{1, 1, 1}, Rows: 3, RunID: "run-1"}
	err = store.Put(context.Background(), storage.Snapshot{
		Dataset:     "household",
		RunID:       "run-1",
		GeneratedAt: time.Now(),
		Months:      []aggregate.Month{{Period: time.Date(2007, 1, 31, 0, 0, 0, 0, time.UTC)}},
		Trend:       trend,
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err = loadTrend(context.Background(), cfg, store)
	if err != nil {
		t.Fatalf("loadTrend() error = %v", err)
	}
	if got == nil || got.RunID != "run-1" {
		t.Errorf("loadTrend() = %+v, want run-1", got)
	}
}

func TestLoadTrend_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trend.json")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := models.Encode(f, models.TrendModel{Weights: [3]float64{0.5, 1, 2}, Intercept: 3, Rows: 4, RunID: "file-run"}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg := &config.Config{Dataset: "household", TrendFile: path}
	got, err := loadTrend(context.Background(), cfg, storage.NewMemoryStore())
	if err != nil {
		t.Fatalf("loadTrend() error = %v", err)
	}
	if got == nil || got.RunID != "file-run" || got.Intercept != 3 {
		t.Errorf("loadTrend() = %+v", got)
	}

	cfg.TrendFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := loadTrend(context.Background(), cfg, storage.NewMemoryStore()); err == nil {
		t.Error("loadTrend() with missing trend file expected error")
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{name: "file", cfg: config.Config{Store: config.StoreFile, StoreDir: filepath.Join(dir, "files")}},
		{name: "sqlite", cfg: config.Config{Store: config.StoreSQLite, SQLitePath: filepath.Join(dir, "db", "voltcast.db")}},
		{name: "unknown", cfg: config.Config{Store: "memcached"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeStore, err := openStore(&tt.cfg)
			defer closeStore()
			if (err != nil) != tt.wantErr {
				t.Fatalf("openStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && store == nil {
				t.Error("openStore() returned nil store")
			}
		})
	}
}

// writeCert writes a self-signed certificate and key into dir.
func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestNewGRPCServer_TLS(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeCert(t, dir)

	tests := []struct {
		name    string
		tls     voltcasttls.Config
		wantErr bool
	}{
		{name: "cert and key", tls: voltcasttls.Config{Enabled: true, CertFile: cert, KeyFile: key}},
		{name: "client CA", tls: voltcasttls.Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}},
		{name: "missing key", tls: voltcasttls.Config{Enabled: true, CertFile: cert, KeyFile: filepath.Join(dir, "missing.key")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{TLS: tt.tls}
			env := router.Env{Store: storage.NewMemoryStore(), Dataset: "household"}
			s, err := newGRPCServer(cfg, env, discardLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("newGRPCServer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				s.Stop()
			}
		})
	}
}
