package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// chainSep separates canonical fields inside the digested preimage so that
// adjacent fields cannot be shifted into one another.
const chainSep = "\x1f"

// ChainHash computes an entry's self hash from its predecessor's hash and
// the entry's canonical fields. The previous hash is empty for the first
// entry. Stores must call this while holding the chain head so appends
// observe a single global order.
func ChainHash(prev string, e *Entry) string {
	preimage := strings.Join([]string{
		prev,
		e.ActorID,
		e.Action,
		e.EntityType,
		e.EntityID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}, chainSep)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// VerifyChain replays entries in order, recomputing every hash from its
// predecessor. It returns the sequence number of the first entry whose
// stored hashes do not match the recomputation, or -1 when the whole chain
// is intact. Entries must be supplied in ascending sequence order.
func VerifyChain(entries []*Entry) int64 {
	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			return e.Seq
		}
		if ChainHash(prev, e) != e.SelfHash {
			return e.Seq
		}
		prev = e.SelfHash
	}
	return -1
}
