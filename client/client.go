// Package client implements the client entry point from spec §4.8:
// get(qualifiedName) resolution against the registry, daemon connection
// reuse, and mirror item singleton caching.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/KeckObservatory/mKTL/block"
	"github.com/KeckObservatory/mKTL/discovery"
	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/pubsub"
	"github.com/KeckObservatory/mKTL/registry"
	"github.com/KeckObservatory/mKTL/reqrep"
	"github.com/KeckObservatory/mKTL/store"
	"github.com/KeckObservatory/mKTL/wire"
)

// Client resolves qualified item names to cached store.MirrorItem
// singletons, per §4.8. It keeps one reqrep.Client and one
// pubsub.Subscriber per distinct daemon address, reusing both across
// every item served by that daemon.
type Client struct {
	hostname string
	logger   logging.Logger

	cache *registry.Cache // this process's own on-disk config cache, §6

	registryAddrFn func(ctx context.Context) (string, error)

	mu       sync.Mutex
	reqConns map[string]*reqrep.Client
	subConns map[string]*pubsub.Subscriber
	items    map[string]*Item
	registry *reqrep.Client
}

// New creates a client identified by hostname (used only as the local
// identity stamped into the client's own config cache entries, per
// registry.Cache's admission bookkeeping).
func New(hostname string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Noop()
	}
	c := &Client{
		hostname: hostname,
		logger:   logger,
		cache:    registry.NewCache(hostname, logger),
		reqConns: make(map[string]*reqrep.Client),
		subConns: make(map[string]*pubsub.Subscriber),
		items:    make(map[string]*Item),
	}
	c.registryAddrFn = c.discoverRegistry
	return c
}

func splitQualifiedName(name string) (storeName, key string, ok bool) {
	idx := strings.Index(name, ".")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], strings.ToUpper(name[idx+1:]), true
}

// Get resolves a qualified name ("store.KEY") to a cached Item
// singleton, per §4.8's four-step algorithm.
func (c *Client) Get(ctx context.Context, qualifiedName string) (*Item, error) {
	storeName, key, ok := splitQualifiedName(qualifiedName)
	if !ok {
		return nil, &wire.ValueError{Text: "malformed qualified name " + qualifiedName}
	}

	cacheKey := storeName + "." + key
	c.mu.Lock()
	if it, ok := c.items[cacheKey]; ok {
		c.mu.Unlock()
		return it, nil
	}
	c.mu.Unlock()

	if err := c.ensureConfig(ctx, storeName); err != nil {
		return nil, err
	}

	cfg, err := c.cache.Config(storeName)
	if err != nil {
		return nil, &wire.ValueError{Text: "no configuration for store " + storeName}
	}

	var owner *block.ConfigBlock
	for _, b := range cfg {
		if _, ok := b.Items[key]; ok {
			owner = b
			break
		}
	}
	if owner == nil {
		return nil, &wire.KeyError{Text: "unknown key " + key + " in store " + storeName}
	}

	origin, ok := owner.Origin()
	if !ok {
		return nil, &wire.ValueError{Text: "block " + owner.UUID + " has no stratum-0 origin"}
	}

	reqAddr := fmt.Sprintf("%s:%d", origin.Hostname, origin.Req)
	pubAddr := fmt.Sprintf("%s:%d", origin.Hostname, origin.Pub)

	rc, err := c.requestClientFor(reqAddr)
	if err != nil {
		return nil, err
	}
	sub, err := c.subscriberFor(storeName, pubAddr)
	if err != nil {
		return nil, err
	}

	mi := store.NewMirrorItem(storeName, key, sub)
	it := &Item{
		MirrorItem: mi,
		target:     storeName + "." + key,
		reqClient:  rc,
	}

	c.mu.Lock()
	if existing, ok := c.items[cacheKey]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.items[cacheKey] = it
	c.mu.Unlock()

	return it, nil
}

// ensureConfig loads a store's configuration into the client's cache
// (§4.8 step 2). A store already held in memory is used as is, without
// contacting the registry. Otherwise it sends HASH for the store, whose
// reply is checked only for an error such as an unknown store, and then
// always sends CONFIG and admits every returned block. The HASH digests
// are not compared with anything, and blocks persisted on disk by an
// earlier process are not read back.
func (c *Client) ensureConfig(ctx context.Context, storeName string) error {
	if _, err := c.cache.Config(storeName); err == nil {
		return nil // already loaded; HASH is not re-checked
	}

	regClient, err := c.registryClient(ctx)
	if err != nil {
		return err
	}

	hashRep, err := regClient.Send(ctx, wire.TypeHASH, storeName, nil, nil, reqrep.Options{})
	if err != nil {
		return err
	}
	hp, err := wire.DecodePayload(hashRep.Payload)
	if err != nil {
		return err
	}
	if hp.Error != nil {
		return wire.FromWireError(hp.Error)
	}

	cfgRep, err := regClient.Send(ctx, wire.TypeCONFIG, storeName, nil, nil, reqrep.Options{})
	if err != nil {
		return err
	}
	cp, err := wire.DecodePayload(cfgRep.Payload)
	if err != nil {
		return err
	}
	if cp.Error != nil {
		return wire.FromWireError(cp.Error)
	}

	var blocks map[string]*block.ConfigBlock
	if err := cp.DecodeValue(&blocks); err != nil {
		return &wire.ValueError{Text: "malformed CONFIG reply: " + err.Error()}
	}

	for uuid, b := range blocks {
		if b.UUID == "" {
			b.UUID = uuid
		}
		// Admission here only drives this client's own persistence and
		// in-memory lookup; it is never relayed further, so the extra
		// local provenance hop it appends is harmless.
		if _, err := c.cache.Admit(b, 0, 0); err != nil {
			c.logger.Warn("client_config_admit_failed", "store", storeName, "uuid", b.UUID, "error", err.Error())
		}
	}
	return nil
}

func (c *Client) registryClient(ctx context.Context) (*reqrep.Client, error) {
	c.mu.Lock()
	if c.registry != nil {
		rc := c.registry
		c.mu.Unlock()
		return rc, nil
	}
	c.mu.Unlock()

	addr, err := c.registryAddrFn(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := reqrep.Dial(addr, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.registry != nil {
		existing := c.registry
		c.mu.Unlock()
		rc.Close()
		return existing, nil
	}
	c.registry = rc
	c.mu.Unlock()
	return rc, nil
}

func (c *Client) discoverRegistry(ctx context.Context) (string, error) {
	responses, err := discovery.SearchDirect(discovery.RegistryPort, "", discovery.DefaultCollectionWindow)
	if err != nil {
		return "", fmt.Errorf("discovering registry: %w", err)
	}
	if len(responses) == 0 {
		return "", fmt.Errorf("no registry responded to discovery")
	}
	r := responses[0]
	return fmt.Sprintf("%s:%d", r.SourceAddr, r.ReqPort), nil
}

func (c *Client) requestClientFor(addr string) (*reqrep.Client, error) {
	c.mu.Lock()
	if rc, ok := c.reqConns[addr]; ok {
		c.mu.Unlock()
		return rc, nil
	}
	c.mu.Unlock()

	rc, err := reqrep.Dial(addr, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.reqConns[addr]; ok {
		c.mu.Unlock()
		rc.Close()
		return existing, nil
	}
	c.reqConns[addr] = rc
	c.mu.Unlock()
	return rc, nil
}

func (c *Client) subscriberFor(storeName, addr string) (*pubsub.Subscriber, error) {
	c.mu.Lock()
	if sub, ok := c.subConns[addr]; ok {
		c.mu.Unlock()
		return sub, nil
	}
	c.mu.Unlock()

	sub, err := pubsub.DialSubscriber(storeName, addr, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.subConns[addr]; ok {
		c.mu.Unlock()
		sub.Close()
		return existing, nil
	}
	c.subConns[addr] = sub
	c.mu.Unlock()
	return sub, nil
}

// SubscribeBundle wires a bundle broadcast's per-item elements into the
// corresponding Item caches, per §4.3: "subscribers treat the bundle as
// an atomic update and dispatch per-item callbacks after parsing all
// elements." Every key must already have been resolved via Get, since a
// bundle carries no information a client could use to originate an Item
// from scratch.
func (c *Client) SubscribeBundle(storeName, prefix string, keys []string) (unsubscribe func(), err error) {
	if len(keys) == 0 {
		return nil, &wire.ValueError{Text: "bundle subscription needs at least one key"}
	}

	c.mu.Lock()
	items := make(map[string]*Item, len(keys))
	for _, key := range keys {
		it, ok := c.items[storeName+"."+key]
		if !ok {
			c.mu.Unlock()
			return nil, &wire.ValueError{Text: "item " + storeName + "." + key + " must be resolved via Get before subscribing to its bundle"}
		}
		items[key] = it
	}
	c.mu.Unlock()

	sub := items[keys[0]].Subscriber()
	topic := wire.BundleTopic(storeName, prefix)
	return sub.SubscribeBundle(topic, func(elements []wire.BundleElement) {
		for _, el := range elements {
			it, ok := items[el.Key]
			if !ok {
				continue
			}
			it.ApplyGetReply(&wire.Payload{Value: el.Value, Time: el.Time}, nil)
		}
	}), nil
}

// Close closes every daemon and registry connection held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry != nil {
		c.registry.Close()
	}
	for _, rc := range c.reqConns {
		rc.Close()
	}
	for _, sub := range c.subConns {
		sub.Close()
	}
}
