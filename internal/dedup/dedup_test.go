package dedup

import (
	"strings"
	"testing"

	"leadflow/internal/domain"
)

func TestAccept_IdentityRules(t *testing.T) {
	e := New()

	cases := []struct {
		name string
		rec  domain.Record
		want bool
	}{
		{"first by name", domain.Record{Name: "Joe's Bakery", Address: "1 Main St"}, true},
		{"same name different case and spacing", domain.Record{Name: "  joe's bakery ", Address: "1 MAIN ST"}, false},
		{"same name other address", domain.Record{Name: "Joe's Bakery", Address: "99 Elm Ave"}, true},
		{"external id", domain.Record{ExternalID: "osm:123", Name: "Joe's Bakery", Address: "1 Main St"}, true},
		{"same external id other name", domain.Record{ExternalID: "osm:123", Name: "Other"}, false},
		{"no name no id", domain.Record{Address: "1 Main St"}, false},
		{"blank name", domain.Record{Name: "   "}, false},
		{"id without name", domain.Record{ExternalID: "gp:abc"}, true},
	}
	for _, tc := range cases {
		if got := e.Accept(tc.rec); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAccept_AddressPrefixAbsorbsTails(t *testing.T) {
	e := New()
	prefix := strings.Repeat("a", AddressPrefix)

	if !e.Accept(domain.Record{Name: "X", Address: prefix + " suite 100"}) {
		t.Fatal("first record should be accepted")
	}
	if e.Accept(domain.Record{Name: "x", Address: prefix + ", Floor 2"}) {
		t.Error("addresses sharing the first 50 characters should collide")
	}
}

func TestAccept_ExactlyOncePerIdentity(t *testing.T) {
	input := []domain.Record{
		{Name: "A", Address: "1"},
		{Name: "B", Address: "2"},
		{Name: "a", Address: "1"},
		{ExternalID: "id-1", Name: "C"},
		{Name: "b", Address: "2"},
		{ExternalID: "id-1"},
		{Name: "A", Address: "1"},
	}

	run := func() []bool {
		e := New()
		out := make([]bool, len(input))
		for i, r := range input {
			out[i] = e.Accept(r)
		}
		return out
	}

	first := run()
	accepted := map[string]int{}
	for i, ok := range first {
		if ok {
			accepted[Key(input[i])]++
		}
	}
	if len(accepted) != 3 {
		t.Fatalf("distinct identities: got %d, want 3", len(accepted))
	}
	for k, n := range accepted {
		if n != 1 {
			t.Errorf("identity %q accepted %d times", k, n)
		}
	}

	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic result at %d", i)
		}
	}
}

func TestReset(t *testing.T) {
	e := New()
	r := domain.Record{Name: "Shop", Address: "Street"}
	e.Accept(r)
	if e.Len() != 1 {
		t.Fatalf("len: got %d", e.Len())
	}
	e.Reset()
	if e.Len() != 0 {
		t.Fatalf("len after reset: got %d", e.Len())
	}
	if !e.Accept(r) {
		t.Error("record should be accepted again after reset")
	}
}
