package block

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ProvenanceEntry is one hop in a configuration block's relay chain,
// per §3: stratum 0 is the daemon that owns the block, strata increase
// outward. Pub is the expansion noted in SPEC_FULL.md §3: the original
// spec names `req, pub?`; carrying both ports lets a relay also open a
// subscribe connection to a stratum-0 daemon without a second discovery
// round trip.
type ProvenanceEntry struct {
	Stratum  int    `json:"stratum"`
	Hostname string `json:"hostname"`
	Req      int    `json:"req"`
	Pub      int    `json:"pub,omitempty"`
}

// ConfigBlock is one daemon's contribution to a store, per §3.
type ConfigBlock struct {
	Name       string             `json:"name"`
	UUID       string             `json:"uuid"`
	Time       float64            `json:"time"`
	Hash       string             `json:"hash"`
	Items      map[string]*Item   `json:"items"`
	Provenance []ProvenanceEntry  `json:"provenance"`
}

// New creates a configuration block from an on-disk items descriptor,
// enriching it with a fresh UUID, a computed hash, the current
// timestamp, and a stratum-0 provenance entry — the creation step
// described in §3's lifecycle section.
func New(store string, items map[string]*Item, hostname string, reqPort, pubPort int) (*ConfigBlock, error) {
	hash, err := Hash(items)
	if err != nil {
		return nil, err
	}
	return &ConfigBlock{
		Name:  store,
		UUID:  uuid.NewString(),
		Time:  float64(time.Now().UnixNano()) / 1e9,
		Hash:  hash,
		Items: items,
		Provenance: []ProvenanceEntry{
			{Stratum: 0, Hostname: hostname, Req: reqPort, Pub: pubPort},
		},
	}, nil
}

// SortProvenance sorts provenance entries by stratum, per §4.5.
func (b *ConfigBlock) SortProvenance() {
	sort.SliceStable(b.Provenance, func(i, j int) bool {
		return b.Provenance[i].Stratum < b.Provenance[j].Stratum
	})
}

// MaxStratum returns the highest stratum currently present.
func (b *ConfigBlock) MaxStratum() int {
	max := -1
	for _, p := range b.Provenance {
		if p.Stratum > max {
			max = p.Stratum
		}
	}
	return max
}

// ContainsIdentity reports whether the block's provenance already
// contains the given (hostname, req) pair — the loop-detection check
// from §3/§4.6: "A block whose provenance contains the current host's
// (hostname, req) is a loop and must not be re-accepted."
func (b *ConfigBlock) ContainsIdentity(hostname string, req int) bool {
	for _, p := range b.Provenance {
		if p.Hostname == hostname && p.Req == req {
			return true
		}
	}
	return false
}

// AppendProvenance appends a new relay hop at MaxStratum()+1, per
// §4.5: "When a relay forwards a block it appends its own entry with
// stratum = max(existing) + 1."
func (b *ConfigBlock) AppendProvenance(hostname string, req, pub int) {
	b.Provenance = append(b.Provenance, ProvenanceEntry{
		Stratum:  b.MaxStratum() + 1,
		Hostname: hostname,
		Req:      req,
		Pub:      pub,
	})
}

// Origin returns the stratum-0 provenance entry — the daemon
// authoritative for this block — used by client connection selection
// in §4.8.
func (b *ConfigBlock) Origin() (ProvenanceEntry, bool) {
	for _, p := range b.Provenance {
		if p.Stratum == 0 {
			return p, true
		}
	}
	return ProvenanceEntry{}, false
}

// Keys returns the set of item keys in this block.
func (b *ConfigBlock) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(b.Items))
	for k := range b.Items {
		keys[k] = struct{}{}
	}
	return keys
}

// Clone returns a deep copy of the block, used when a cache hands out a
// snapshot to a reader while a writer may still be mutating the
// original under lock.
func (b *ConfigBlock) Clone() *ConfigBlock {
	items := make(map[string]*Item, len(b.Items))
	for k, v := range b.Items {
		items[k] = v.Clone()
	}
	prov := append([]ProvenanceEntry(nil), b.Provenance...)
	return &ConfigBlock{
		Name:       b.Name,
		UUID:       b.UUID,
		Time:       b.Time,
		Hash:       b.Hash,
		Items:      items,
		Provenance: prov,
	}
}

// RecomputeHash recalculates and sets Hash from the current Items, used
// after a daemon mutates its own block's items. Downstream caches never
// call this — per §3, only the originating daemon mutates fields other
// than provenance.
func (b *ConfigBlock) RecomputeHash() error {
	h, err := Hash(b.Items)
	if err != nil {
		return err
	}
	b.Hash = h
	return nil
}
