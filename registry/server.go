package registry

import (
	"context"

	"github.com/KeckObservatory/mKTL/block"
	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/wire"
)

// Server adapts a Cache into a reqrep.Handler, serving HASH and CONFIG
// requests and accepting CONFIG pushes from daemons, per §4.1:
// "On the registry, an inbound CONFIG with a payload is a push: treat
// payload.value as a {uuid -> block} mapping and run the merge in
// §4.6."
type Server struct {
	cache   *Cache
	reqPort int
	pubPort int
	logger  logging.Logger
}

// NewServer creates a request handler in front of cache. reqPort/pubPort
// are this registry's own advertised ports, stamped into a pushed
// block's provenance on admission.
func NewServer(cache *Cache, reqPort, pubPort int, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Server{cache: cache, reqPort: reqPort, pubPort: pubPort, logger: logger}
}

// SetPorts updates the registry's own advertised ports. markguided binds
// an ephemeral request socket after constructing the Server, so it calls
// this once the real port is known, before starting the discovery
// listener that advertises that port.
func (s *Server) SetPorts(reqPort, pubPort int) {
	s.reqPort = reqPort
	s.pubPort = pubPort
}

// Handle implements reqrep.Handler.
func (s *Server) Handle(ctx context.Context, req *wire.Frame) ([]byte, []byte, error) {
	switch req.Type {
	case wire.TypeHASH:
		return s.handleHash(req)
	case wire.TypeCONFIG:
		return s.handleConfig(req)
	default:
		return nil, nil, &wire.ValueError{Text: "registry does not serve request type " + req.Type}
	}
}

func (s *Server) handleHash(req *wire.Frame) ([]byte, []byte, error) {
	var target *string
	if req.Target != "" {
		target = &req.Target
	}
	hashes, err := s.cache.Hashes(target)
	if err != nil {
		return nil, nil, err
	}
	return encodeValue(hashes)
}

func (s *Server) handleConfig(req *wire.Frame) ([]byte, []byte, error) {
	if req.Target == "" {
		return nil, nil, &wire.ValueError{Text: "CONFIG requires a target store"}
	}

	if len(req.Payload) > 0 {
		return s.handleConfigPush(req)
	}

	cfg, err := s.cache.Config(req.Target)
	if err != nil {
		return nil, nil, err
	}
	return encodeValue(cfg)
}

func (s *Server) handleConfigPush(req *wire.Frame) ([]byte, []byte, error) {
	p, err := wire.DecodePayload(req.Payload)
	if err != nil {
		return nil, nil, err
	}
	var pushed map[string]*block.ConfigBlock
	if err := p.DecodeValue(&pushed); err != nil {
		return nil, nil, &wire.ValueError{Text: "malformed CONFIG push: " + err.Error()}
	}

	for uuid, b := range pushed {
		if b.UUID == "" {
			b.UUID = uuid
		}
		result, err := s.cache.Admit(b, s.reqPort, s.pubPort)
		if err != nil {
			return nil, nil, err
		}
		s.logger.Debug("config_push_admitted", "store", req.Target, "uuid", b.UUID, "result", result)
	}

	return encodeValue(map[string]string{})
}

func encodeValue(v any) ([]byte, []byte, error) {
	p := &wire.Payload{}
	if err := p.SetValue(v); err != nil {
		return nil, nil, err
	}
	payload, err := wire.EncodePayload(p)
	return payload, nil, err
}
