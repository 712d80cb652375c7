// Package prepared implements a three-tier prepared-statement cache:
// a process-wide query-text interner, a pool-level LRU of
// Canonical Parse Entries, and a per-client name->entry map, plus the
// fingerprinting that gives a Parse message its identity independent of
// the client-chosen statement name.
package prepared

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the 64-bit non-cryptographic identity of a prepared
// statement: a hash of its query text and parameter type OIDs.
type Fingerprint uint64

// ComputeFingerprint hashes query text together with the parameter type
// OID list so that the same SQL text parsed with different parameter
// types is treated as a distinct statement, matching PostgreSQL's own
// Parse semantics.
func ComputeFingerprint(queryText string, paramOIDs []uint32) Fingerprint {
	h := xxhash.New()
	h.WriteString(queryText)
	var buf [4]byte
	for _, oid := range paramOIDs {
		binary.BigEndian.PutUint32(buf[:], oid)
		h.Write(buf[:])
	}
	return Fingerprint(h.Sum64())
}
