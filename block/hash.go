package block

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Hash computes the deterministic 128-bit/32-hex-digit digest over the
// canonical JSON serialization of an items mapping, per §4.5.
//
// Canonicalization rule (pinned, documented per §4.5's requirement):
// each item is first rendered through Item.canonicalJSON (stable field
// order, explicit gettable/settable booleans instead of the wire's
// omit-if-true-by-default *bool), then the whole KEY -> item mapping is
// marshaled as a Go map[string]json.RawMessage. encoding/json sorts
// map keys lexicographically when marshaling, which is what makes the
// output reproducible across runs and processes; the sorted key walk
// below only fixes the order in which items are rendered, and the
// digest's key order comes from encoding/json's specified sort-by-key
// behavior.
//
// The digest width (128 bits, 32 hex characters) is exactly the native
// output of crypto/md5 — the only hash available anywhere in the
// reference corpus (standard library included) whose digest matches
// §4.5's wire format without truncation or padding; see DESIGN.md.
func Hash(items map[string]*Item) (string, error) {
	canonical := make(map[string]json.RawMessage, len(items))
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := items[k].canonicalJSON()
		if err != nil {
			return "", err
		}
		canonical[k] = raw
	}

	buf, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(buf)
	return hex.EncodeToString(sum[:]), nil
}
