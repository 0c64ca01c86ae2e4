// Command markd starts an mKTL daemon serving one store.
//
// Usage:
//
//	markd <store> <identifier> [--module M] [--subclass C] [--configuration FILE] [--appconfig FILE]
//	go build -o markd ./cmd/markd && ./markd pie daemon1 --configuration items.json
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/KeckObservatory/mKTL/block"
	"github.com/KeckObservatory/mKTL/discovery"
	"github.com/KeckObservatory/mKTL/homedir"
	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/pubsub"
	"github.com/KeckObservatory/mKTL/reqrep"
	"github.com/KeckObservatory/mKTL/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "markd:", err)
		os.Exit(1)
	}
}

func run() error {
	storeName, identifier, flagArgs, err := splitPositionalArgs(os.Args[1:])
	if err != nil {
		return err
	}

	module := flag.String("module", "", "Go package providing a custom store subclass (unused: markd runs the base caching store)")
	subclass := flag.String("subclass", "", "store subclass name (unused: markd runs the base caching store)")
	configuration := flag.String("configuration", "", "path to an items descriptor JSON file; supersedes any cached copy for this identifier")
	appconfig := flag.String("appconfig", "", "path to an application-specific configuration file (currently unused by the base store)")
	if err := flag.CommandLine.Parse(flagArgs); err != nil {
		return err
	}

	logger := logging.NewStdLogger("markd")
	if *module != "" || *subclass != "" {
		logger.Warn("subclassing_not_supported", "module", *module, "subclass", *subclass, "note", "running the base caching store instead")
	}
	if *appconfig != "" {
		logger.Debug("appconfig_ignored", "path", *appconfig)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}

	items, err := loadItems(storeName, identifier, *configuration)
	if err != nil {
		return fmt.Errorf("loading items descriptor: %w", err)
	}

	pub := pubsub.NewPublisher(storeName, logger)
	pubAddr, err := pub.Serve(":0")
	if err != nil {
		return fmt.Errorf("starting publish socket: %w", err)
	}
	defer pub.Close()

	s := store.NewStore(storeName, pub, logger)
	for key := range items {
		s.AddItem(key, store.Handlers{}, 0)
	}

	daemonHandler := store.NewDaemon(logger)

	rd := reqrep.NewDaemon(daemonHandler, logger)
	reqAddr, err := rd.Serve(":0")
	if err != nil {
		return fmt.Errorf("starting request socket: %w", err)
	}
	defer rd.Close()

	reqPort, err := port(reqAddr)
	if err != nil {
		return err
	}
	pubPort, err := port(pubAddr)
	if err != nil {
		return err
	}

	b, err := block.New(storeName, items, hostname, reqPort, pubPort)
	if err != nil {
		return fmt.Errorf("building configuration block: %w", err)
	}
	if saved, readErr := os.ReadFile(homedir.DaemonStoreUUIDPath(storeName, identifier)); readErr == nil && strings.TrimSpace(string(saved)) != "" {
		b.UUID = strings.TrimSpace(string(saved))
	} else if err := persistUUID(storeName, identifier, b.UUID); err != nil {
		logger.Warn("uuid_persist_failed", "store", storeName, "identifier", identifier, "error", err.Error())
	}
	daemonHandler.Register(s, b)

	listener, err := discovery.ListenDaemon(reqPort, logger)
	if err != nil {
		return fmt.Errorf("starting discovery listener: %w", err)
	}
	defer listener.Close()

	logger.Info("markd_ready", "store", storeName, "identifier", identifier, "req_addr", reqAddr, "pub_addr", pubAddr)
	fmt.Printf("markd serving store %q (identifier %q) on req=%s pub=%s\n", storeName, identifier, reqAddr, pubAddr)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	for _, key := range s.Keys() {
		if it, ok := s.Item(key); ok {
			it.Close()
		}
	}
	logger.Info("markd_stopped")
	return nil
}

// loadItems resolves this daemon's items descriptor: --configuration
// always wins and supersedes the on-disk cache; otherwise the last
// descriptor persisted under this identifier is reused.
func loadItems(storeName, identifier, configuration string) (map[string]*block.Item, error) {
	path := configuration
	if path == "" {
		path = homedir.DaemonStoreDescriptorPath(storeName, identifier)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var items map[string]*block.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if configuration != "" {
		cachePath := homedir.DaemonStoreDescriptorPath(storeName, identifier)
		if err := homedir.EnsureDir(cachePath); err != nil {
			return nil, err
		}
		if err := os.WriteFile(cachePath, raw, 0o644); err != nil {
			return nil, fmt.Errorf("caching descriptor at %s: %w", cachePath, err)
		}
	}

	return items, nil
}

// splitPositionalArgs pulls the two leading positional arguments
// (store, identifier) off the front of args, since they precede any
// flag per the CLI surface, and returns the remainder for flag.Parse.
func splitPositionalArgs(args []string) (storeName, identifier string, rest []string, err error) {
	usageErr := errors.New("usage: markd <store> <identifier> [--module M] [--subclass C] [--configuration FILE] [--appconfig FILE]")
	if len(args) < 2 {
		return "", "", nil, usageErr
	}
	if len(args[0]) > 0 && args[0][0] == '-' {
		return "", "", nil, usageErr
	}
	if len(args[1]) > 0 && args[1][0] == '-' {
		return "", "", nil, usageErr
	}
	return args[0], args[1], args[2:], nil
}

func persistUUID(storeName, identifier, uuid string) error {
	path := homedir.DaemonStoreUUIDPath(storeName, identifier)
	if err := homedir.EnsureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(uuid), 0o644)
}

func port(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parsing port from %q: %w", addr, err)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parsing port from %q: %w", addr, err)
	}
	return p, nil
}
