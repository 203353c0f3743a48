// Command tenexd runs the TENEX coordination daemon: one long-running
// process that subscribes to a set of Nostr relays, routes events to
// per-project runtimes, and drives AgentExecutor turns against
// configured LLM providers (spec.md §4.10, §6).
//
// Concrete relay transport — the websocket connection, NIP-01 framing,
// and event signing — is an external collaborator (spec.md §1):
// internal/relay.Client is wired against relay.Conn implementations
// supplied by the deployment, not built here. With none configured,
// the daemon starts, loads its configuration, and fails fast at
// subscribe time with a clear error rather than silently doing nothing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/cluster"
	"github.com/tenex-sh/tenexd/internal/config"
	"github.com/tenex-sh/tenexd/internal/daemon"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to daemon config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := telemetry.NewClueLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.GlobalDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := os.MkdirAll(cfg.ProjectsDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// No relay.Conn implementations are wired at this seam; see the
	// package doc comment. A deployment links its own transport in here.
	var conns []relay.Conn
	bus := relay.NewClient(relay.DefaultClientConfig(), log, conns...)

	stores, closeStores, err := daemon.BuildStoreFactory(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeStores()

	providers, err := daemon.BuildProviderResolver(cfg.LLM)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	signers := daemon.NewPassthroughSignerResolver()

	broadcaster, err := cluster.New(ctx, bus, signers, cluster.Options{
		Log:      log,
		RedisURL: cfg.RedisURL,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	d := daemon.New(daemon.Options{
		Bus:                   bus,
		GlobalLoader:          agent.NewGlobalLoader(cfg.GlobalDir),
		ProjectsDir:           cfg.ProjectsDir,
		Stores:                stores,
		Providers:             providers,
		Signers:               signers,
		Cluster:               broadcaster,
		IdleTimeout:           cfg.IdleTimeout,
		MaxSteps:              cfg.MaxSteps,
		MaxConversationTokens: cfg.MaxConversationTokens,
		Log:                   log,
	})

	runErr := d.Run(ctx)
	if shutdownErr := d.Shutdown(context.Background()); shutdownErr != nil {
		fmt.Fprintln(os.Stderr, shutdownErr)
		return 1
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		return 1
	}
	return 0
}
