package record

import (
	"testing"
	"time"
)

func TestFingerprint_Stable(t *testing.T) {
	// WHAT: The same identity fields always produce the same fingerprint.
	// WHY: Dedup correctness depends on the fingerprint being a pure function.
	fields := map[string]string{"url": "https://example.com/l/1", "title": "A"}
	a := Fingerprint(fields, []string{"url"})
	b := Fingerprint(fields, []string{"url"})
	if a != b {
		t.Errorf("fingerprint not stable: %s != %s", a, b)
	}
}

func TestFingerprint_IdentityFieldOrderIrrelevant(t *testing.T) {
	// WHAT: Identity field ordering does not change the fingerprint.
	// WHY: Config authors may list identity fields in any order.
	fields := map[string]string{"imo": "9074729", "day": "2026-08-25"}
	a := Fingerprint(fields, []string{"imo", "day"})
	b := Fingerprint(fields, []string{"day", "imo"})
	if a != b {
		t.Errorf("order-sensitive fingerprint: %s != %s", a, b)
	}
}

func TestFingerprint_DiffersOnAnyIdentityField(t *testing.T) {
	// WHAT: Changing any identity field changes the fingerprint.
	// WHY: Distinct records must never collapse onto one fingerprint.
	base := map[string]string{"imo": "9074729", "day": "2026-08-25"}
	variants := []map[string]string{
		{"imo": "9074730", "day": "2026-08-25"},
		{"imo": "9074729", "day": "2026-08-26"},
	}
	fp := Fingerprint(base, []string{"imo", "day"})
	for _, v := range variants {
		if Fingerprint(v, []string{"imo", "day"}) == fp {
			t.Errorf("fingerprint collision for %v", v)
		}
	}
}

func TestFingerprint_NoFramingCollision(t *testing.T) {
	// WHAT: Concatenation tricks across field boundaries do not collide.
	// WHY: "ab"+"c" and "a"+"bc" must hash differently.
	a := Fingerprint(map[string]string{"x": "ab", "y": "c"}, []string{"x", "y"})
	b := Fingerprint(map[string]string{"x": "a", "y": "bc"}, []string{"x", "y"})
	if a == b {
		t.Error("length framing failed: boundary shift collides")
	}
}

func TestCoerceField_Types(t *testing.T) {
	// WHAT: Untyped adapter values coerce to canonical strings.
	// WHY: Fingerprints hash strings; coercion must be deterministic per type.
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"  hello   world ", "hello world"},
		{42, "42"},
		{int64(42), "42"},
		{3.5, "3.5"},
		{true, "true"},
		{time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), "2026-08-25T12:00:00Z"},
	}
	for _, c := range cases {
		if got := CoerceField(c.in); got != c.want {
			t.Errorf("CoerceField(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCoerceField_StripsMarkup(t *testing.T) {
	// WHAT: HTML in field values is stripped to text.
	// WHY: Sites wrap values in markup; the tabular sink stores text only.
	got := CoerceField(`<a href="/x"><b>EUR</b> 1 200</a>`)
	if got != "EUR 1 200" {
		t.Errorf("got %q, want %q", got, "EUR 1 200")
	}
}

func TestNormalize_MissingIdentityField_Rejected(t *testing.T) {
	// WHAT: A record without a value for an identity field is rejected.
	// WHY: Without identity there is no safe fingerprint; committing it
	// would produce duplicates on every run.
	raw := Raw{"title": "No URL here"}
	if _, ok := Normalize(raw, "https://example.com", []string{"url"}); ok {
		t.Error("expected rejection for missing identity field")
	}
}

func TestNormalize_Success(t *testing.T) {
	// WHAT: Normalize coerces fields and fills fingerprint and page URL.
	raw := Raw{"url": "https://example.com/l/1", "price": 1200}
	n, ok := Normalize(raw, "https://example.com/page/1", []string{"url"})
	if !ok {
		t.Fatal("expected success")
	}
	if n.Fields["price"] != "1200" {
		t.Errorf("price = %q", n.Fields["price"])
	}
	if n.Fingerprint == "" || n.PageURL != "https://example.com/page/1" {
		t.Errorf("unexpected normalized record: %+v", n)
	}
}
