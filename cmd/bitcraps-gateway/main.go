// Command bitcraps-gateway runs the HTTP/WS aggregator/gateway
// process: it terminates client traffic, batches bets into
// pkg/gateway's per-round aggregator, and forwards consensus
// submissions to a cmd/bitcrapsd node's admin surface over HTTP,
// since the gateway is a separate process with no in-process access
// to that node's session.Manager.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/internal/config"
	"github.com/bitcraps/bitcraps/pkg/gateway"
	"golang.org/x/time/rate"
)

func main() {
	app := &cli.App{
		Name:  "bitcraps-gateway",
		Usage: "run the BitCraps HTTP/WS aggregator gateway",
		Commands: []*cli.Command{
			runCommand(),
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "./gateway.json", Usage: "gateway config path"},
			&cli.BoolFlag{Name: "dev-log", Usage: "use a human-readable development logger"},
		},
		Action: runGateway,
	}
}

func runGateway(c *cli.Context) error {
	cfg, err := config.LoadGateway(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logger bclog.Logger
	if c.Bool("dev-log") {
		logger = bclog.NewDevelopment()
	} else {
		logger = bclog.New()
	}
	defer logger.Sync()

	if cfg.NodeAddr == "" {
		return fmt.Errorf("gateway config: node_addr is required")
	}
	submitter := newNodeSubmitter(cfg.NodeAddr, logger)

	routeLimits := make(map[string]rate.Limit, len(cfg.RouteRateLimits))
	for route, limit := range cfg.RouteRateLimits {
		routeLimits[route] = rate.Limit(limit)
	}
	srvCfg := gateway.Config{
		Log:         logger,
		Submitter:   submitter,
		GameExists:  submitter.gameExists,
		RouteLimits: routeLimits,
	}
	if cfg.GlobalRateLimit > 0 {
		srvCfg.GlobalLimit = rate.Limit(cfg.GlobalRateLimit)
	}
	if cfg.GlobalRateBurst > 0 {
		srvCfg.GlobalBurst = cfg.GlobalRateBurst
	}
	srv := gateway.NewServer(srvCfg)

	for i, addr := range cfg.Backends {
		srv.LoadBalancer().Upsert(gateway.Instance{ID: fmt.Sprintf("backend-%d", i), Addr: addr})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Run(ctx)
	defer srv.Shutdown(ctx)

	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpSrv := &http.Server{Addr: listenAddr, Handler: srv}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnw("gateway server stopped", "err", err)
		}
	}()
	logger.Infow("bitcraps-gateway started", "listen", listenAddr, "node", cfg.NodeAddr, "backends", len(cfg.Backends))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infow("bitcraps-gateway shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}
