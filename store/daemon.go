package store

import (
	"context"
	"strings"
	"sync"

	"github.com/KeckObservatory/mKTL/block"
	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/wire"
)

// Daemon aggregates every store a single daemon process owns and
// implements reqrep.Handler, dispatching GET/SET by target
// "<store>.<KEY>" and answering HASH/CONFIG about its own blocks — the
// request side of the discovery sweep's "issues HASH, then CONFIG for
// each returned store" step in §4.4.
type Daemon struct {
	logger logging.Logger

	mu     sync.RWMutex
	stores map[string]*Store
	blocks map[string]*block.ConfigBlock
}

// NewDaemon creates an empty daemon request handler.
func NewDaemon(logger logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Daemon{
		logger: logger,
		stores: make(map[string]*Store),
		blocks: make(map[string]*block.ConfigBlock),
	}
}

// Register binds a Store and its configuration block under the
// daemon's request handler.
func (d *Daemon) Register(s *Store, b *block.ConfigBlock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stores[s.Name()] = s
	d.blocks[s.Name()] = b
}

func splitTarget(target string) (store, key string, ok bool) {
	idx := strings.Index(target, ".")
	if idx < 0 {
		return "", "", false
	}
	return target[:idx], target[idx+1:], true
}

// Handle implements reqrep.Handler.
func (d *Daemon) Handle(ctx context.Context, req *wire.Frame) ([]byte, []byte, error) {
	switch req.Type {
	case wire.TypeGET:
		return d.handleGet(ctx, req)
	case wire.TypeSET:
		return d.handleSet(ctx, req)
	case wire.TypeHASH:
		return d.handleHash(req)
	case wire.TypeCONFIG:
		return d.handleConfig(req)
	default:
		return nil, nil, &wire.ValueError{Text: "unknown request type " + req.Type}
	}
}

func (d *Daemon) lookupItem(target string) (*Item, error) {
	storeName, key, ok := splitTarget(target)
	if !ok {
		return nil, &wire.KeyError{Text: "malformed target " + target}
	}
	d.mu.RLock()
	s, ok := d.stores[storeName]
	d.mu.RUnlock()
	if !ok {
		return nil, &wire.KeyError{Text: "unknown store " + storeName}
	}
	it, ok := s.Item(key)
	if !ok {
		return nil, &wire.KeyError{Text: "unknown key " + key + " in store " + storeName}
	}
	return it, nil
}

func (d *Daemon) handleGet(ctx context.Context, req *wire.Frame) ([]byte, []byte, error) {
	it, err := d.lookupItem(req.Target)
	if err != nil {
		return nil, nil, err
	}

	refresh := false
	if len(req.Payload) > 0 {
		p, err := wire.DecodePayload(req.Payload)
		if err != nil {
			return nil, nil, err
		}
		refresh = p.Refresh
	}

	v, err := it.Get(ctx, refresh)
	if err != nil {
		return nil, nil, err
	}
	payload, err := wire.EncodePayload(v.Payload)
	if err != nil {
		return nil, nil, err
	}
	return payload, v.Bulk, nil
}

func (d *Daemon) handleSet(ctx context.Context, req *wire.Frame) ([]byte, []byte, error) {
	it, err := d.lookupItem(req.Target)
	if err != nil {
		return nil, nil, err
	}
	p, err := wire.DecodePayload(req.Payload)
	if err != nil {
		return nil, nil, err
	}
	v := &Value{Payload: p, Bulk: req.Bulk}
	if err := it.Set(ctx, v); err != nil {
		return nil, nil, err
	}
	ack, err := wire.EncodePayload(&wire.Payload{})
	return ack, nil, err
}

func (d *Daemon) handleHash(req *wire.Frame) ([]byte, []byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if req.Target != "" {
		b, ok := d.blocks[req.Target]
		if !ok {
			return nil, nil, &wire.KeyError{Text: "unknown store " + req.Target}
		}
		return encodeValue(map[string]string{b.UUID: b.Hash})
	}

	result := make(map[string]map[string]string, len(d.blocks))
	for name, b := range d.blocks {
		result[name] = map[string]string{b.UUID: b.Hash}
	}
	return encodeValue(result)
}

func (d *Daemon) handleConfig(req *wire.Frame) ([]byte, []byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.blocks[req.Target]
	if !ok {
		return nil, nil, &wire.KeyError{Text: "unknown store " + req.Target}
	}
	return encodeValue(map[string]*block.ConfigBlock{b.UUID: b})
}

func encodeValue(v any) ([]byte, []byte, error) {
	p := &wire.Payload{}
	if err := p.SetValue(v); err != nil {
		return nil, nil, err
	}
	payload, err := wire.EncodePayload(p)
	return payload, nil, err
}
