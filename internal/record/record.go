// Package record implements record normalization and fingerprinting.
//
// Adapters emit Raw records (untyped field maps, no uniqueness guarantee).
// Normalize coerces them to trimmed string fields and computes a
// deterministic identity fingerprint used for dedup.
package record

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/crypto/blake2b"
)

// Raw is an adapter-emitted record: field name to untyped value.
type Raw map[string]any

// Normalized is a Raw record after coercion, trimming, and fingerprinting.
type Normalized struct {
	Fields      map[string]string `json:"fields"`
	Fingerprint string            `json:"fingerprint"`
	PageURL     string            `json:"page_url"`
}

// stripper removes all markup from field values. StrictPolicy keeps text
// content only, which is what a tabular sink wants.
var stripper = bluemonday.StrictPolicy()

// CoerceField converts an untyped adapter value to its canonical string
// form: numbers via strconv, bools as true/false, times as RFC3339, byte
// slices and strings stripped of markup and collapsed whitespace.
func CoerceField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return cleanString(x)
	case []byte:
		return cleanString(string(x))
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return cleanString(fmt.Sprintf("%v", x))
	}
}

// cleanString strips markup and collapses runs of whitespace to single
// spaces. strings.Fields handles every Unicode space class.
func cleanString(s string) string {
	s = stripper.Sanitize(s)
	return strings.Join(strings.Fields(s), " ")
}

// Normalize coerces a Raw record and computes its fingerprint over the
// identity fields. A record missing any identity field (or with an empty
// value for one) cannot be deduplicated safely and is rejected with ok=false.
func Normalize(raw Raw, pageURL string, identity []string) (Normalized, bool) {
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		fields[k] = CoerceField(v)
	}

	for _, id := range identity {
		if fields[id] == "" {
			return Normalized{}, false
		}
	}

	return Normalized{
		Fields:      fields,
		Fingerprint: Fingerprint(fields, identity),
		PageURL:     pageURL,
	}, true
}

// Fingerprint computes the identity hash of a normalized field map: a
// BLAKE2b-256 digest over the identity field name/value pairs in sorted
// order with length framing, so neither field ordering nor value
// concatenation can produce collisions between distinct records.
func Fingerprint(fields map[string]string, identity []string) string {
	keys := append([]string(nil), identity...)
	sort.Strings(keys)

	h, _ := blake2b.New256(nil)
	for _, k := range keys {
		v := fields[k]
		fmt.Fprintf(h, "%d:%s=%d:%s;", len(k), k, len(v), v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
