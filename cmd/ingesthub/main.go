// Command ingesthub runs the notification ingestion gateway: HTTP
// webhook, WebSocket, watched directory and Unix socket endpoints
// behind a shared security perimeter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kart-io/ingesthub/config"
	"github.com/kart-io/ingesthub/logger"
	"github.com/kart-io/ingesthub/security"
	"github.com/kart-io/ingesthub/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to YAML config file")
		port       = flag.Int("port", 0, "override HTTP/WebSocket port")
		watchDir   = flag.String("watch-dir", "", "directory to watch for JSON drops")
		socketPath = flag.String("socket", "", "unix socket path")
		genKey     = flag.String("generate-key", "", "generate an API key with the given name and exit")
		genScopes  = flag.String("scopes", security.ScopeIngestWrite, "comma-separated scopes for -generate-key")
	)
	flag.Parse()

	if err := run(*configFile, *port, *watchDir, *socketPath, *genKey, *genScopes); err != nil {
		fmt.Fprintln(os.Stderr, "ingesthub:", err)
		os.Exit(1)
	}
}

func run(configFile string, port int, watchDir, socketPath, genKey, genScopes string) error {
	opts := []config.Option{}
	if configFile != "" {
		opts = append(opts, config.WithFile(configFile))
	}
	opts = append(opts, config.WithEnv())
	if port != 0 {
		opts = append(opts, config.WithPort(port))
	}
	if watchDir != "" {
		opts = append(opts, config.WithWatchDir(watchDir))
	}
	if socketPath != "" {
		opts = append(opts, config.WithUnixSocket(socketPath))
	}

	cfg, err := config.New(opts...)
	if err != nil {
		return err
	}

	log := logger.New().LogMode(logger.ParseLevel(cfg.Logger.Level))

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	if genKey != "" {
		defer srv.Stop()
		plaintext, record, err := srv.Security().Keys.Generate(genKey, strings.Split(genScopes, ","), 0)
		if err != nil {
			return err
		}
		fmt.Printf("key id:    %s\nplaintext: %s\n\n", record.ID, plaintext)
		fmt.Println("store the plaintext now; it cannot be recovered.")
		fmt.Println("add to config under security.api_keys.seed:")
		fmt.Printf("  - id: %s\n    hash: %q\n    name: %s\n    scopes: [%s]\n",
			record.ID, record.KeyHash, genKey, genScopes)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-srv.Err():
		log.Error("transport failure, shutting down", "error", err.Error())
	}

	return srv.Stop()
}
