// Command bitcrapsd runs one BitCraps mesh node: identity, transport,
// mesh forwarding, DHT, and the consensus-backed game session manager.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/bitcraps/bitcraps/internal/bclog"
	"github.com/bitcraps/bitcraps/internal/config"
	"github.com/bitcraps/bitcraps/pkg/bridge"
	"github.com/bitcraps/bitcraps/pkg/dht"
	"github.com/bitcraps/bitcraps/pkg/identity"
	"github.com/bitcraps/bitcraps/pkg/mesh"
	"github.com/bitcraps/bitcraps/pkg/resilience"
	"github.com/bitcraps/bitcraps/pkg/routing"
	"github.com/bitcraps/bitcraps/pkg/session"
	"github.com/bitcraps/bitcraps/pkg/transport"
	"github.com/bitcraps/bitcraps/pkg/types"
	"github.com/bitcraps/bitcraps/pkg/wire"
)

func main() {
	app := &cli.App{
		Name:                 "bitcrapsd",
		Usage:                "run a BitCraps mesh consensus node",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			keygenCommand(),
			runCommand(),
			statusCommand(),
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

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "generate a proof-of-work-bound identity",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "./identity.key", Usage: "output identity file"},
			&cli.IntFlag{Name: "difficulty", Value: identity.DefaultDifficulty, Usage: "leading-zero-bit PoW difficulty"},
			&cli.BoolFlag{Name: "mobile", Usage: "use the reduced mobile difficulty"},
		},
		Action: func(c *cli.Context) error {
			difficulty := c.Int("difficulty")
			if c.Bool("mobile") {
				difficulty = identity.MobileDifficulty
			}
			id, err := identity.Generate(difficulty)
			if err != nil {
				return err
			}
			if err := saveIdentity(c.String("out"), id); err != nil {
				return err
			}
			fmt.Println("generated identity:", id.PeerID.String())
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start a node, joining the mesh and consensus bridge registry",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "./node.json", Usage: "node config path"},
			&cli.StringFlag{Name: "identity", Value: "./identity.key", Usage: "identity file path"},
			&cli.BoolFlag{Name: "dev-log", Usage: "use a human-readable development logger"},
		},
		Action: runNode,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "query a running node's admin status endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "admin-addr", Value: "127.0.0.1:4690", Usage: "node admin address"},
		},
		Action: func(c *cli.Context) error {
			return printStatus(c.String("admin-addr"))
		},
	}
}

func runNode(c *cli.Context) error {
	cfg, err := config.LoadNode(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	id, err := loadIdentity(c.String("identity"))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	var logger bclog.Logger
	if c.Bool("dev-log") {
		logger = bclog.NewDevelopment()
	} else {
		logger = bclog.New()
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tcp, err := transport.NewTCPTransport(logger)
	if err != nil {
		return err
	}
	if err := tcp.Listen(ctx, cfg.ListenAddr); err != nil {
		return err
	}
	transports := []transport.Transport{tcp}
	if cfg.UDPListenAddr != "" {
		udp := transport.NewUDPTransport(logger)
		if err := udp.Listen(ctx, cfg.UDPListenAddr); err != nil {
			return err
		}
		defer udp.Close()
		transports = append(transports, udp)
	}
	coord := transport.NewCoordinator(transports...)

	graph := routing.NewGraph()
	router := routing.NewRouter(id.PeerID, graph)

	svc := mesh.NewService(id.PeerID, coord, router, logger)
	svc.Run(ctx)

	reputation := resilience.NewReputationTracker()
	monitor := resilience.NewMonitor(resilience.DefaultPhiThreshold, router, logger)
	go monitor.Run(ctx)
	defer monitor.Stop()
	go func() {
		for ev := range svc.Events() {
			switch ev.Kind {
			case mesh.EventPeerJoined, mesh.EventMessageReceived:
				monitor.Heartbeat(ev.Peer, ev.At)
			case mesh.EventPeerLeft:
				monitor.Forget(ev.Peer)
			}
		}
	}()

	rpc := newMeshRPC(id.PeerID, svc, logger)
	dhtNode := dht.NewNode(id.PeerID, rpc, logger)
	rpc.bindLocalNode(dhtNode)
	dhtNode.Store().SetLogger(logger)
	if cfg.DataDir != "" {
		if err := startPersistence(ctx, cfg.DataDir, svc, dhtNode.Store(), logger); err != nil {
			return err
		}
	}
	go dhtNode.RefreshLoop(ctx)
	defer dhtNode.Stop()

	rateLimit := cfg.RateLimitPerSecond
	if rateLimit <= 0 {
		rateLimit = bridge.DefaultMaxMessagesPerSecond
	}
	handler := bridge.NewHandler(rateLimit, bridge.DefaultQueueCapacity, logger)
	go handler.Run(ctx)
	defer handler.Stop()
	svc.RegisterHandler(wire.TypeConsensusVote, handler.HandlePacket)

	mgr := session.NewManager(session.ManagerConfig{
		Self:               id.PeerID,
		Mesh:               svc,
		Handler:            handler,
		Reputation:         reputation,
		Signer:             id,
		Log:                logger,
		MaxConcurrentGames: cfg.MaxConcurrentGames,
		StartingBalance:    types.Tokens(cfg.StartingBalance),
		MaxBetAmount:       types.Tokens(cfg.MaxBetAmount),
		OperationTimeout:   cfg.ConsensusTimeout(),
	})
	mgr.Start(ctx)
	defer mgr.Stop()

	startSyncer(ctx, id.PeerID, svc, mgr, func(peer types.PeerId) {
		reputation.RecordStateHashMismatch(peer)
	}, logger)

	for _, p := range cfg.Peers {
		peerID, err := parsePeerIDHex(p.PeerIDHex)
		if err != nil {
			logger.Warnw("skipping malformed static peer", "peer", p.PeerIDHex, "err", err)
			continue
		}
		dialPeer(ctx, tcp, peerID, p.Address, logger)
	}
	var seeds []dht.NodeInfo
	for _, seed := range cfg.DHTBootstrap {
		peerID, err := parsePeerIDHex(seed.PeerIDHex)
		if err != nil {
			logger.Warnw("skipping malformed dht seed", "peer", seed.PeerIDHex, "err", err)
			continue
		}
		seeds = append(seeds, dht.NodeInfo{ID: peerID, Address: seed.Address, LastSeen: time.Now()})
	}
	if len(seeds) > 0 {
		if err := dhtNode.Bootstrap(ctx, seeds); err != nil {
			logger.Warnw("dht bootstrap failed", "err", err)
		}
	}

	admin := newAdminServer(id, svc, dhtNode, mgr)
	adminAddr := cfg.AdminAddr
	if adminAddr == "" {
		adminAddr = ":4690"
	}
	go func() {
		if err := http.ListenAndServe(adminAddr, admin); err != nil && err != http.ErrServerClosed {
			logger.Warnw("admin server stopped", "err", err)
		}
	}()

	logger.Infow("bitcrapsd started", "peer_id", id.PeerID.String(), "listen", cfg.ListenAddr, "admin", adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infow("bitcrapsd shutting down")
	svc.Stop()
	tcp.Close()
	return nil
}

func parsePeerIDHex(s string) (types.PeerId, error) {
	var id types.PeerId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != types.PeerSize {
		return id, fmt.Errorf("peer id must be %d bytes, got %d", types.PeerSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func dialPeer(ctx context.Context, tcp *transport.TCPTransport, peerID types.PeerId, addr string, logger bclog.Logger) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		logger.Warnw("skipping malformed peer address", "addr", addr, "err", err)
		return
	}
	go func() {
		for {
			if err := tcp.Dial(ctx, peerID, addr); err == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func printStatus(adminAddr string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/status", adminAddr))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var st adminStatus
	if err := decodeJSON(resp.Body, &st); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.Append([]string{"peer id", st.PeerID})
	table.Append([]string{"peers", fmt.Sprint(st.PeerCount)})
	table.Append([]string{"partitioned", fmt.Sprint(st.Partitioned)})
	table.Append([]string{"dht table size", fmt.Sprint(st.DHTTableSize)})
	table.Append([]string{"dht store size", fmt.Sprint(st.DHTStoreSize)})
	table.Append([]string{"active games", fmt.Sprint(st.ActiveGames)})
	table.Render()
	return nil
}
