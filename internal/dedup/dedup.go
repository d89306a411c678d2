// Package dedup filters job output against the set of fingerprints already
// persisted. Identity is exact-fingerprint equality; there is no fuzzy
// matching, which keeps the operation total and side-effect free.
package dedup

import "github.com/hazyhaar/moisson/internal/record"

// Filter returns the records whose fingerprint is absent from seen,
// preserving input order. Records duplicated within the input itself are
// also collapsed to their first occurrence, so one job cannot commit the
// same fingerprint twice.
func Filter(records []record.Normalized, seen map[string]bool) []record.Normalized {
	var fresh []record.Normalized
	inBatch := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.Fingerprint] || inBatch[r.Fingerprint] {
			continue
		}
		inBatch[r.Fingerprint] = true
		fresh = append(fresh, r)
	}
	return fresh
}
