package main

import (
	"testing"
	"time"
)

func TestGenerateTLSConfig(t *testing.T) {
	cfg, fingerprint, err := generateTLSConfig(24*time.Hour, "voice.local")
	if err != nil {
		t.Fatalf("generate tls config: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
	if fingerprint == "" {
		t.Fatalf("expected non-empty fingerprint")
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "h3" {
		t.Fatalf("expected h3 ALPN protocol, got %v", cfg.NextProtos)
	}

	leaf := cfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "voice.local" {
		t.Fatalf("unexpected common name: %s", leaf.Subject.CommonName)
	}
}

func TestGenerateTLSConfigDefaultsCommonName(t *testing.T) {
	cfg, _, err := generateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate tls config: %v", err)
	}
	if cfg.Certificates[0].Leaf.Subject.CommonName != "automarathon" {
		t.Fatalf("expected default common name, got %s", cfg.Certificates[0].Leaf.Subject.CommonName)
	}
}
