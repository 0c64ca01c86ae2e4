// Package registry implements the registry broker's configuration
// cache: admission of new blocks (§4.6), HASH/CONFIG serving, and
// on-disk persistence under $MKTL_HOME.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/KeckObservatory/mKTL/block"
	"github.com/KeckObservatory/mKTL/homedir"
	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/observability"
	"github.com/KeckObservatory/mKTL/wire"
)

// storeState is one store's blocks plus the lock that makes admission
// mutually exclusive per store, per §4.6 ("All operations are mutually
// exclusive per store").
type storeState struct {
	mu     sync.RWMutex
	blocks map[string]*block.ConfigBlock // uuid -> block
}

// Cache is the registry's configuration cache, §4.6.
type Cache struct {
	hostname string
	logger   logging.Logger

	mu     sync.RWMutex // guards the stores map itself (add/lookup a store)
	stores map[string]*storeState
}

// NewCache creates an empty configuration cache for the registry running
// on hostname (used for loop detection against a block's provenance).
func NewCache(hostname string, logger logging.Logger) *Cache {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Cache{hostname: hostname, logger: logger, stores: make(map[string]*storeState)}
}

func (c *Cache) storeFor(name string) *storeState {
	c.mu.RLock()
	s, ok := c.stores[name]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[name]; ok {
		return s
	}
	s = &storeState{blocks: make(map[string]*block.ConfigBlock)}
	c.stores[name] = s
	return s
}

// AdmissionResult reports what Admit did, used for observability and by
// tests asserting the boundary behaviors in §8.
type AdmissionResult int

const (
	AdmissionAdmitted AdmissionResult = iota
	AdmissionNoop
	AdmissionRejectedLoop
	AdmissionRejectedCollision
)

// Admit runs the admission algorithm of §4.6 against a newly pushed or
// discovered block: normalize provenance, loop check, UUID match, key-
// collision check, append this host's provenance entry, persist.
//
// req and pub are this registry's own ports, used both for the loop
// check (identity = hostname + req) and to stamp this host's relay hop
// into the block's provenance before storing it.
func (c *Cache) Admit(b *block.ConfigBlock, req, pub int) (AdmissionResult, error) {
	b.SortProvenance()

	if b.ContainsIdentity(c.hostname, req) {
		c.logger.Debug("provenance_loop_rejected", "store", b.Name, "uuid", b.UUID)
		observability.RecordConfigAdmission(b.Name, "rejected_loop")
		return AdmissionRejectedLoop, nil
	}

	s := c.storeFor(b.Name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blocks[b.UUID]; ok {
		switch {
		case existing.Hash == b.Hash:
			observability.RecordConfigAdmission(b.Name, "noop")
			return AdmissionNoop, nil
		case existing.Time < b.Time:
			// Newer block supersedes the old one; fall through to the
			// key-collision check against every *other* UUID.
		default:
			observability.RecordConfigAdmission(b.Name, "noop")
			return AdmissionNoop, nil
		}
	}

	for uuid, other := range s.blocks {
		if uuid == b.UUID {
			continue
		}
		for key := range b.Items {
			if _, collides := other.Items[key]; collides {
				observability.RecordConfigAdmission(b.Name, "rejected_collision")
				return AdmissionRejectedCollision, &wire.KeyError{
					Text:  fmt.Sprintf("key %q already served by block %s", key, uuid),
					Debug: fmt.Sprintf("store=%s incoming_uuid=%s", b.Name, b.UUID),
				}
			}
		}
	}
	if dup := duplicateKeyWithinBlock(b); dup != "" {
		observability.RecordConfigAdmission(b.Name, "rejected_collision")
		return AdmissionRejectedCollision, &wire.KeyError{Text: fmt.Sprintf("duplicate key %q within block", dup)}
	}

	b.AppendProvenance(c.hostname, req, pub)
	s.blocks[b.UUID] = b

	if err := persist(b); err != nil {
		c.logger.Error("persist_failed", "store", b.Name, "uuid", b.UUID, "error", err.Error())
	}

	observability.RecordConfigAdmission(b.Name, "admitted")
	return AdmissionAdmitted, nil
}

// duplicateKeyWithinBlock is always empty for a well-formed
// map[string]*Item, since Go maps can't hold duplicate keys; it exists
// so the admission algorithm's step 4 ("a duplicate within the new
// block is also a fatal error") is checked explicitly against whatever
// upstream decoding produced the map, rather than silently relying on
// map semantics to make the case unreachable.
func duplicateKeyWithinBlock(b *block.ConfigBlock) string {
	seen := make(map[string]struct{}, len(b.Items))
	for key, item := range b.Items {
		if item == nil {
			continue
		}
		if _, ok := seen[key]; ok {
			return key
		}
		seen[key] = struct{}{}
	}
	return ""
}

// Hashes implements HASH serving, §4.6: HASH(nil) returns every known
// store's uuid->hash map; HASH(store) restricts to one store and
// returns a KeyError if unknown.
func (c *Cache) Hashes(store *string) (map[string]map[string]string, error) {
	if store != nil {
		s := c.lookupStore(*store)
		if s == nil {
			return nil, &wire.KeyError{Text: fmt.Sprintf("unknown store %q", *store)}
		}
		return map[string]map[string]string{*store: hashesOf(s)}, nil
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make(map[string]map[string]string, len(names))
	for _, name := range names {
		out[name] = hashesOf(c.lookupStore(name))
	}
	return out, nil
}

func hashesOf(s *storeState) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.blocks))
	for uuid, b := range s.blocks {
		out[uuid] = b.Hash
	}
	return out
}

// Config implements CONFIG serving, §4.6: returns uuid->block for a
// named store, or KeyError if unknown.
func (c *Cache) Config(store string) (map[string]*block.ConfigBlock, error) {
	s := c.lookupStore(store)
	if s == nil {
		return nil, &wire.KeyError{Text: fmt.Sprintf("unknown store %q", store)}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*block.ConfigBlock, len(s.blocks))
	for uuid, b := range s.blocks {
		out[uuid] = b.Clone()
	}
	return out, nil
}

func (c *Cache) lookupStore(name string) *storeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stores[name]
}

// Stores returns the names of every store currently known.
func (c *Cache) Stores() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	return names
}

// Clear removes all cached blocks, used by tests and explicit resets.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores = make(map[string]*storeState)
}

// persist writes a block atomically under $MKTL_HOME/client/cache,
// write-temp-then-rename, per §4.6.
func persist(b *block.ConfigBlock) error {
	path := homedir.ClientCachePath(b.Name, b.UUID)
	if err := homedir.EnsureDir(path); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFromDisk replays the on-disk cache tree into memory, run once at
// registry startup before serving any query, per §4.6.
func (c *Cache) LoadFromDisk() error {
	root := homedir.Root()
	clientCache := root + "/client/cache"
	entries, err := os.ReadDir(clientCache)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, storeEntry := range entries {
		if !storeEntry.IsDir() {
			continue
		}
		storeName := storeEntry.Name()
		blockFiles, err := os.ReadDir(clientCache + "/" + storeName)
		if err != nil {
			return err
		}
		s := c.storeFor(storeName)
		for _, bf := range blockFiles {
			if bf.IsDir() {
				continue
			}
			raw, err := os.ReadFile(clientCache + "/" + storeName + "/" + bf.Name())
			if err != nil {
				return err
			}
			var b block.ConfigBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				c.logger.Warn("skipping_corrupt_cache_file", "path", bf.Name(), "error", err.Error())
				continue
			}
			s.mu.Lock()
			s.blocks[b.UUID] = &b
			s.mu.Unlock()
		}
	}
	return nil
}
