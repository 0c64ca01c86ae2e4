package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/block"
	"github.com/KeckObservatory/mKTL/homedir"
)

func newBlock(t *testing.T, store string, keys ...string) *block.ConfigBlock {
	t.Helper()
	items := make(map[string]*block.Item, len(keys))
	for _, k := range keys {
		items[k] = &block.Item{Key: k, Type: block.ItemTypeNumeric}
	}
	b, err := block.New(store, items, "daemon1.keck.edu", 10200, 10201)
	require.NoError(t, err)
	return b
}

// Scenario 5 from spec §8: provenance loop.
func TestAdmit_ProvenanceLoop(t *testing.T) {
	homedir.SetRoot(t.TempDir())
	c := NewCache("registry1.keck.edu", nil)
	b := newBlock(t, "pie", "ANGLE")
	b.Provenance = append(b.Provenance, block.ProvenanceEntry{Stratum: 1, Hostname: "registry1.keck.edu", Req: 10112})

	result, err := c.Admit(b, 10112, 10113)
	require.NoError(t, err)
	assert.Equal(t, AdmissionRejectedLoop, result)

	_, err = c.Config("pie")
	assert.Error(t, err)
}

// Scenario 4 from spec §8: CONFIG push with key collision.
func TestAdmit_KeyCollision(t *testing.T) {
	homedir.SetRoot(t.TempDir())
	c := NewCache("registry1.keck.edu", nil)

	b1 := newBlock(t, "pie", "ANGLE")
	result, err := c.Admit(b1, 10112, 10113)
	require.NoError(t, err)
	require.Equal(t, AdmissionAdmitted, result)

	b2 := newBlock(t, "pie", "ANGLE")
	result, err = c.Admit(b2, 10112, 10113)
	require.Error(t, err)
	assert.Equal(t, AdmissionRejectedCollision, result)

	cfg, err := c.Config("pie")
	require.NoError(t, err)
	assert.Len(t, cfg, 1)
	assert.Contains(t, cfg, b1.UUID)
}

func TestAdmit_SameUUIDIdenticalHashIsNoop(t *testing.T) {
	homedir.SetRoot(t.TempDir())
	c := NewCache("registry1.keck.edu", nil)
	b := newBlock(t, "pie", "ANGLE")
	// Cloned before admission: Admit appends this registry's hop to b
	// itself, and a copy carrying that hop would be rejected as a loop.
	dup := b.Clone()

	result, err := c.Admit(b, 10112, 10113)
	require.NoError(t, err)
	require.Equal(t, AdmissionAdmitted, result)

	cfg, err := c.Config("pie")
	require.NoError(t, err)
	provLenBefore := len(cfg[b.UUID].Provenance)

	result, err = c.Admit(dup, 10112, 10113)
	require.NoError(t, err)
	assert.Equal(t, AdmissionNoop, result)

	cfg, err = c.Config("pie")
	require.NoError(t, err)
	assert.Equal(t, provLenBefore, len(cfg[b.UUID].Provenance))
}

func TestAdmit_NewerTimeSupersedesOlder(t *testing.T) {
	homedir.SetRoot(t.TempDir())
	c := NewCache("registry1.keck.edu", nil)
	b := newBlock(t, "pie", "ANGLE")
	// Cloned before admission, so it lacks the registry hop Admit adds to b.
	newer := b.Clone()
	result, err := c.Admit(b, 10112, 10113)
	require.NoError(t, err)
	require.Equal(t, AdmissionAdmitted, result)

	newer.Time = b.Time + 10
	newer.Items["ANGLE"].Units = "deg"
	require.NoError(t, newer.RecomputeHash())

	result, err = c.Admit(newer, 10112, 10113)
	require.NoError(t, err)
	assert.Equal(t, AdmissionAdmitted, result)

	cfg, err := c.Config("pie")
	require.NoError(t, err)
	assert.Equal(t, "deg", cfg[b.UUID].Items["ANGLE"].Units)
}

// Scenario 3 from spec §8: HASH without target.
func TestHashes_AllStores(t *testing.T) {
	homedir.SetRoot(t.TempDir())
	c := NewCache("registry1.keck.edu", nil)
	b1 := newBlock(t, "kpfguide", "POWER")
	b2 := newBlock(t, "kpfmet", "WIND")
	_, err := c.Admit(b1, 10112, 10113)
	require.NoError(t, err)
	_, err = c.Admit(b2, 10112, 10113)
	require.NoError(t, err)

	hashes, err := c.Hashes(nil)
	require.NoError(t, err)
	assert.Contains(t, hashes, "kpfguide")
	assert.Contains(t, hashes, "kpfmet")
	assert.Equal(t, b1.Hash, hashes["kpfguide"][b1.UUID])
}

func TestHashes_UnknownStore(t *testing.T) {
	homedir.SetRoot(t.TempDir())
	c := NewCache("registry1.keck.edu", nil)
	store := "nope"
	_, err := c.Hashes(&store)
	assert.Error(t, err)
}

// Quantified invariant from spec §8: distinct UUIDs in the same store
// always have disjoint key sets.
func TestAdmit_KeySetsDisjointAcrossUUIDs(t *testing.T) {
	homedir.SetRoot(t.TempDir())
	c := NewCache("registry1.keck.edu", nil)
	b1 := newBlock(t, "pie", "A", "B")
	_, err := c.Admit(b1, 10112, 10113)
	require.NoError(t, err)

	b2 := newBlock(t, "pie", "C", "D")
	result, err := c.Admit(b2, 10112, 10113)
	require.NoError(t, err)
	assert.Equal(t, AdmissionAdmitted, result)

	cfg, err := c.Config("pie")
	require.NoError(t, err)
	seen := map[string]string{}
	for uuid, b := range cfg {
		for key := range b.Items {
			if owner, ok := seen[key]; ok {
				t.Fatalf("key %s owned by both %s and %s", key, owner, uuid)
			}
			seen[key] = uuid
		}
	}
}

func TestLoadFromDisk_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	homedir.SetRoot(dir)
	c := NewCache("registry1.keck.edu", nil)
	b := newBlock(t, "pie", "ANGLE")
	_, err := c.Admit(b, 10112, 10113)
	require.NoError(t, err)

	c2 := NewCache("registry1.keck.edu", nil)
	require.NoError(t, c2.LoadFromDisk())
	cfg, err := c2.Config("pie")
	require.NoError(t, err)
	assert.Contains(t, cfg, b.UUID)
}
