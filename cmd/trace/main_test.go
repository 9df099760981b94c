package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/agrotrace/internal/identity"
)

func TestParseMeta(t *testing.T) {
	got, err := parseMeta([]string{"crate=17", "note=a=b", "empty="})
	if err != nil {
		t.Fatal(err)
	}
	if got["crate"] != "17" || got["note"] != "a=b" || got["empty"] != "" || len(got) != 3 {
		t.Errorf("parseMeta = %v", got)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseMeta([]string{bad}); err == nil {
			t.Errorf("parseMeta(%q) should fail", bad)
		}
	}
	if m, err := parseMeta(nil); m != nil || err != nil {
		t.Errorf("parseMeta(nil) = %v, %v", m, err)
	}
}

func TestShortHash(t *testing.T) {
	if got := shortHash("abc"); got != "abc" {
		t.Errorf("shortHash(abc) = %q", got)
	}
	if got := shortHash("0123456789abcdef0123"); got != "0123456789abcdef…" {
		t.Errorf("shortHash = %q", got)
	}
}

func TestTokenIssue_verifiesAgainstServerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.pem")
	km := identity.NewKeyManager(path)
	if err := km.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "issue", "--key", path, "--actor", "coop-jaen", "--issuer", "https://trace.example"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("token issue: %v", err)
	}

	server := identity.NewTokenIssuer(km.Key(), "https://trace.example", time.Hour)
	claims, err := server.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("server rejected CLI token: %v", err)
	}
	if claims.Actor != "coop-jaen" || !identity.HasScope(claims, identity.ScopeWrite) {
		t.Errorf("claims = %+v", claims)
	}
}
