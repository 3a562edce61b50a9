// Command peermesh runs one peer of a mesh.
//
// Every process is both a TCP listener, accepting joining peers, and a TCP
// dialer, connecting out to a known peer to join its mesh. Started without
// positional arguments it hosts a new mesh; with any positional argument it
// joins the peer given by -peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/peermesh/internal/config"
	"github.com/1ureka/peermesh/internal/monitor"
	"github.com/1ureka/peermesh/internal/network"
	"github.com/1ureka/peermesh/internal/peer"
	"github.com/1ureka/peermesh/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	def := config.Default()

	// CLI flags.
	listenFlag := flag.String("listen", ":8080", "Listen address when hosting")
	joinListenFlag := flag.String("join-listen", ":8081", "Listen address when joining")
	peerFlag := flag.String("peer", def.PeerAddr, "Address of the peer to join (join mode only)")
	advertiseFlag := flag.String("advertise", "", "Host announced to the joined peer (default: local address of the outbound connection)")
	monitorFlag := flag.String("monitor", "", "Serve a WebSocket event stream on this address, e.g. 127.0.0.1:9000")
	workersFlag := flag.Int("workers", def.MaxWorkers, "Maximum worker pool size")
	pollFlag := flag.Duration("poll", def.PollInterval, "Readiness poll timeout and sleep between loop iterations")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [join]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peermesh — v%s", version))
	pterm.Println()

	cfg := def
	cfg.AdvertiseHost = *advertiseFlag
	cfg.MonitorAddr = *monitorFlag
	cfg.MaxWorkers = *workersFlag
	cfg.PollTimeout = *pollFlag
	cfg.PollInterval = *pollFlag
	cfg.Debug = *debugMode

	if flag.NArg() == 0 {
		cfg.Role = config.RoleHost
		cfg.ListenAddr = *listenFlag
	} else {
		cfg.Role = config.RoleJoin
		cfg.ListenAddr = *joinListenFlag
		cfg.PeerAddr = *peerFlag
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%s Failed: %v", failedRole(err, cfg.Role), err)
		os.Exit(1)
	}

	util.LogInfo("peer stopped")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config) error {
	var opts []peer.Option

	if cfg.MonitorAddr != "" {
		mon := monitor.New(cfg.MonitorAddr)
		if _, err := mon.Start(); err != nil {
			return err
		}
		defer mon.Close()
		opts = append(opts, peer.WithMonitor(mon))
	}

	node, err := peer.NewNode(cfg, opts...)
	if err != nil {
		return err
	}

	switch cfg.Role {
	case config.RoleJoin:
		host, port, err := net.SplitHostPort(cfg.PeerAddr)
		if err != nil {
			return err
		}
		util.LogInfo("joining mesh through %s", cfg.PeerAddr)
		return node.Join(ctx, host, port)

	default:
		util.LogInfo("hosting a new mesh on %s", cfg.ListenAddr)
		return node.Host(ctx)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// failedRole names the side that failed: "Server" for the listener role,
// "Client" for the dialer role. Errors without a role are attributed to the
// mode the node was started in.
func failedRole(err error, mode config.Role) string {
	role, ok := network.RoleOf(err)
	if !ok {
		if mode == config.RoleJoin {
			return "Client"
		}
		return "Server"
	}
	if role == network.RoleDialer {
		return "Client"
	}
	return "Server"
}
