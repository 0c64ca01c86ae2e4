// Command markguided starts the mKTL registry broker.
//
// Usage:
//
//	markguided [-h]
//	go build -o markguided ./cmd/markguided && ./markguided
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/KeckObservatory/mKTL/block"
	"github.com/KeckObservatory/mKTL/discovery"
	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/pubsub"
	"github.com/KeckObservatory/mKTL/registry"
	"github.com/KeckObservatory/mKTL/reqrep"
	"github.com/KeckObservatory/mKTL/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "markguided:", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	if len(flag.Args()) != 0 {
		return fmt.Errorf("usage: markguided [-h]")
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}

	logger := logging.NewStdLogger("markguided")
	cache := registry.NewCache(hostname, logger)
	if err := cache.LoadFromDisk(); err != nil {
		logger.Warn("cache_load_failed", "error", err.Error())
	}

	pub := pubsub.NewPublisher("registry", logger)
	pubAddr, err := pub.Serve(":0")
	if err != nil {
		return fmt.Errorf("starting publish socket: %w", err)
	}
	defer pub.Close()
	pubPort, err := port(pubAddr)
	if err != nil {
		return err
	}

	srv := registry.NewServer(cache, 0, pubPort, logger)
	rd := reqrep.NewDaemon(srv, logger)
	reqAddr, err := rd.Serve(":0")
	if err != nil {
		return fmt.Errorf("starting request socket: %w", err)
	}
	defer rd.Close()
	reqPort, err := port(reqAddr)
	if err != nil {
		return err
	}
	srv.SetPorts(reqPort, pubPort)

	listener, err := discovery.ListenRegistry(reqPort, logger)
	if err != nil {
		return fmt.Errorf("starting discovery listener: %w", err)
	}
	defer listener.Close()

	fetch := daemonFetcher(cache, reqPort, pubPort, logger)
	sweeper := discovery.NewSweeper(discovery.DefaultSweepInterval, "", fetch, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)
	defer sweeper.Close()

	logger.Info("markguided_ready", "req_addr", reqAddr, "pub_addr", pubAddr)
	fmt.Printf("markguided serving the registry on req=%s pub=%s\n", reqAddr, pubAddr)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())
	logger.Info("markguided_stopped")
	return nil
}

// daemonFetcher returns a discovery.Fetcher that issues HASH (for every
// store the daemon serves), then CONFIG for each, admitting the result
// into cache — the registry side of §4.4's "issues HASH, then CONFIG
// for each returned store" sweep step.
func daemonFetcher(cache *registry.Cache, reqPort, pubPort int, logger logging.Logger) discovery.Fetcher {
	return func(ctx context.Context, sourceAddr string, daemonReqPort int) error {
		addr := fmt.Sprintf("%s:%d", sourceAddr, daemonReqPort)
		c, err := reqrep.Dial(addr, logger)
		if err != nil {
			return fmt.Errorf("dialing daemon %s: %w", addr, err)
		}
		defer c.Close()

		hashRep, err := c.Send(ctx, wire.TypeHASH, "", nil, nil, reqrep.Options{})
		if err != nil {
			return fmt.Errorf("HASH against %s: %w", addr, err)
		}
		hp, err := wire.DecodePayload(hashRep.Payload)
		if err != nil {
			return err
		}
		if hp.Error != nil {
			return wire.FromWireError(hp.Error)
		}
		var hashes map[string]map[string]string
		if err := hp.DecodeValue(&hashes); err != nil {
			return fmt.Errorf("malformed HASH reply from %s: %w", addr, err)
		}

		for storeName := range hashes {
			cfgRep, err := c.Send(ctx, wire.TypeCONFIG, storeName, nil, nil, reqrep.Options{})
			if err != nil {
				return fmt.Errorf("CONFIG %s against %s: %w", storeName, addr, err)
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
				return fmt.Errorf("malformed CONFIG reply for %s from %s: %w", storeName, addr, err)
			}
			for uuid, b := range blocks {
				if b.UUID == "" {
					b.UUID = uuid
				}
				if _, err := cache.Admit(b, reqPort, pubPort); err != nil {
					logger.Warn("sweep_admit_failed", "store", storeName, "uuid", b.UUID, "error", err.Error())
				}
			}
		}
		return nil
	}
}

func port(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parsing port from %q: %w", addr, err)
	}
	return strconv.Atoi(portStr)
}
