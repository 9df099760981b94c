package hashchain_test

import (
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/agrotrace/internal/hashchain"
)

func baseFields() hashchain.Fields {
	return hashchain.Fields{
		BatchID:      "6f1c2a1e-3b7d-4c55-9d2a-0b9e7c1f4a10",
		EventType:    "harvest",
		Description:  "Picked 400kg of Hojiblanca olives",
		Location:     "Finca El Olivar, Jaén",
		Timestamp:    time.Date(2025, 11, 3, 8, 30, 0, 0, time.UTC),
		Actor:        "coop-jaen",
		PreviousHash: hashchain.GenesisHash,
		Sequence:     1,
	}
}

func TestGenesisWidth(t *testing.T) {
	if len(hashchain.GenesisHash) != 64 {
		t.Fatalf("GenesisHash length = %d, want 64", len(hashchain.GenesisHash))
	}
	if strings.Trim(hashchain.GenesisHash, "0") != "" {
		t.Errorf("GenesisHash should be all zeros: %q", hashchain.GenesisHash)
	}
	if len(hashchain.LegacyGenesisHash) != 68 {
		t.Errorf("LegacyGenesisHash length = %d, want 68", len(hashchain.LegacyGenesisHash))
	}
	for _, v := range hashchain.Versions() {
		s, _ := hashchain.Lookup(v)
		if s.Genesis() != hashchain.GenesisHash {
			t.Errorf("%s: genesis %q", v, s.Genesis())
		}
	}
}

func TestHash_deterministicAndFixedWidth(t *testing.T) {
	for _, v := range hashchain.Versions() {
		s, ok := hashchain.Lookup(v)
		if !ok {
			t.Fatalf("Lookup(%q) failed", v)
		}
		a := s.Hash(baseFields())
		b := s.Hash(baseFields())
		if a != b {
			t.Errorf("%s: hash not deterministic: %q != %q", v, a, b)
		}
		if !hashchain.IsHex(a, s.Width()) {
			t.Errorf("%s: %q is not %d lowercase hex chars", v, a, s.Width())
		}
	}
}

func TestHash_everyFieldMatters(t *testing.T) {
	mutations := map[string]func(*hashchain.Fields){
		"batch_id":      func(f *hashchain.Fields) { f.BatchID = "other" },
		"event_type":    func(f *hashchain.Fields) { f.EventType = "processing" },
		"description":   func(f *hashchain.Fields) { f.Description += "." },
		"location":      func(f *hashchain.Fields) { f.Location = "Úbeda" },
		"timestamp":     func(f *hashchain.Fields) { f.Timestamp = f.Timestamp.Add(time.Nanosecond) },
		"actor":         func(f *hashchain.Fields) { f.Actor = "coop-cordoba" },
		"previous_hash": func(f *hashchain.Fields) { f.PreviousHash = strings.Repeat("a", 64) },
		"sequence":      func(f *hashchain.Fields) { f.Sequence = 2 },
	}

	s := hashchain.Default()
	orig := s.Hash(baseFields())
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := baseFields()
			mutate(&f)
			if got := s.Hash(f); got == orig {
				t.Errorf("changing %s did not change the hash", name)
			}
		})
	}
}

func TestCanonical_unambiguous(t *testing.T) {
	a := baseFields()
	a.Description, a.Location = "ab", "c"
	b := baseFields()
	b.Description, b.Location = "a", "bc"

	if string(hashchain.Canonical("v1", a)) == string(hashchain.Canonical("v1", b)) {
		t.Fatal("shifting bytes between adjacent fields produced the same encoding")
	}

	c := baseFields()
	c.Description, c.Location = "x,1:y", ""
	d := baseFields()
	d.Description = "x"
	d.Location = "y"
	if string(hashchain.Canonical("v1", c)) == string(hashchain.Canonical("v1", d)) {
		t.Fatal("embedded separator produced a collision")
	}
}

func TestCanonical_equivalentUnicodeFormsDiffer(t *testing.T) {
	nfc := baseFields()
	nfc.Location = "Ja\u00e9n"
	nfd := baseFields()
	nfd.Location = "Jae\u0301n"

	if string(hashchain.Canonical("v1", nfc)) == string(hashchain.Canonical("v1", nfd)) {
		t.Fatal("composed and decomposed forms encoded identically")
	}
	if hashchain.Default().Hash(nfc) == hashchain.Default().Hash(nfd) {
		t.Error("rewriting a field into an equivalent form kept the digest")
	}
}

func TestCanonical_timezoneIndependent(t *testing.T) {
	a := baseFields()
	b := baseFields()
	b.Timestamp = a.Timestamp.In(time.FixedZone("CET", 3600))
	if hashchain.Default().Hash(a) != hashchain.Default().Hash(b) {
		t.Error("same instant in a different zone should hash identically")
	}
}

func TestVersionsDiffer(t *testing.T) {
	v1, _ := hashchain.Lookup(hashchain.VersionSHA256)
	v2, _ := hashchain.Lookup(hashchain.VersionBLAKE2b)
	if v1.Hash(baseFields()) == v2.Hash(baseFields()) {
		t.Error("v1 and v2 produced the same digest")
	}
}

func TestLookup_unknown(t *testing.T) {
	if _, ok := hashchain.Lookup("v0"); ok {
		t.Error("Lookup(v0) should fail")
	}
}

func TestIsHex(t *testing.T) {
	cases := []struct {
		in    string
		width int
		want  bool
	}{
		{hashchain.GenesisHash, 64, true},
		{hashchain.LegacyGenesisHash, 64, false},
		{strings.Repeat("A", 64), 64, false},
		{strings.Repeat("g", 64), 64, false},
		{"", 0, true},
	}
	for _, tc := range cases {
		if got := hashchain.IsHex(tc.in, tc.width); got != tc.want {
			t.Errorf("IsHex(%q, %d) = %v, want %v", tc.in, tc.width, got, tc.want)
		}
	}
}
