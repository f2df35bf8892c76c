// Chanmux, CLI entry point.
//
// This tool creates a P2P tunnel over a WebRTC DataChannel, forwarding a
// remote TCP service to a local port. Every TCP connection rides its own
// reliable channel of the multiplexer. No relay servers are needed after the
// signaling phase (which uses WebSocket).
//
// It can be launched interactively (no role) or non-interactively via CLI
// flags (-role, -port, -wsPort, -wsUrl, -wsListen) or a config file
// (-config). Flags override the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/chanmux/internal/adapter"
	"github.com/1ureka/chanmux/internal/config"
	"github.com/1ureka/chanmux/internal/metrics"
	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/session"
	"github.com/1ureka/chanmux/internal/signaling"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

var version = "dev"

// The WebRTC link reports ICE recoveries so sessions resend pending packets.
var _ session.Reconnector = (*transport.Transport)(nil)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Config file (YAML or TOML)")
	role := flag.String("role", "", "Role: host or client")
	port := flag.Int("port", 0, "Target port (host) or virtual service port (client), 1~65535")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (host only)")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket URL to connect to (client only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (host only, for LAN access)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	window := flag.Int("window", 0, "Reliable channel window in packets")
	timeout := flag.Uint("timeout", 0, "Channel timeout in ticks")
	tick := flag.Duration("tick", 0, "Multiplexer tick interval")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "port":
			cfg.TargetPort, cfg.LocalPort = *port, *port
		case "wsPort":
			cfg.WSPort = *wsPortFlag
		case "wsUrl":
			cfg.WSURL = *wsURLFlag
		case "wsListen":
			cfg.WSListen = *wsListenFlag
		case "debug":
			cfg.Debug = *debugMode
		case "window":
			cfg.Mux.Window = *window
		case "timeout":
			cfg.Mux.Timeout = uint32(*timeout)
		case "tick":
			cfg.Mux.Tick = *tick
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Chanmux v%s", version))
	pterm.Println()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, util.Stats); err != nil {
				util.LogWarning("metrics server stopped: %v", err)
			}
		}()
	}

	switch cfg.Role {
	case "":
		// No role, interactive mode.
		runInteractive(ctx, cfg)

	case config.RoleHost:
		if cfg.TargetPort < 1 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}
		runHost(ctx, cfg)

	case config.RoleClient:
		if cfg.LocalPort < 1 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}

		if cfg.WSURL == "" {
			util.LogError("missing -wsUrl for client role")
			os.Exit(1)
		}

		wsURL, err := normalizeWSURL(cfg.WSURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.WSURL = wsURL

		runClient(ctx, cfg)
	}

	util.LogInfo("successfully closed tunnel connection")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no role is given.
func runInteractive(ctx context.Context, cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host   - Expose a local service", "Client - Connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		cfg.TargetPort = askPort("Target port to forward (1 ~ 65535)")
		runHost(ctx, cfg)
	} else {
		cfg.Role = config.RoleClient
		cfg.WSURL = askURL()
		cfg.LocalPort = askPort("Local port for virtual service (1 ~ 65535)")
		runClient(ctx, cfg)
	}
}

// wsAddr picks the signaling listen address for the host.
func wsAddr(cfg *config.Config) string {
	switch {
	case cfg.WSListen:
		return fmt.Sprintf(":%d", cfg.WSPort)
	case cfg.WSPort > 0:
		return fmt.Sprintf("127.0.0.1:%d", cfg.WSPort)
	default:
		return ":0"
	}
}

// runHost executes the host-side tunnel logic.
func runHost(ctx context.Context, cfg *config.Config) {
	local := peer.New()
	tr, remote, err := signaling.EstablishAsHost(ctx, wsAddr(cfg), local, cfg.STUN...)
	if err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	sess := newSession(ctx, cfg, local, remote, tr)
	util.LogSuccess("P2P tunnel established, forwarding traffic to 127.0.0.1:%d", cfg.TargetPort)

	if err := adapter.RunAsHost(ctx, sess, fmt.Sprintf("127.0.0.1:%d", cfg.TargetPort)); err != nil {
		util.LogError("failed to handle tunnel connection: %v", err)
		os.Exit(1)
	}
}

// runClient executes the client-side tunnel logic.
func runClient(ctx context.Context, cfg *config.Config) {
	local := peer.New()
	tr, remote, err := signaling.EstablishAsClient(ctx, cfg.WSURL, local, cfg.STUN...)
	if err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	sess := newSession(ctx, cfg, local, remote, tr)
	util.LogSuccess("P2P tunnel established, forwarding traffic to Host")

	if err := adapter.RunAsClient(ctx, sess, fmt.Sprintf("127.0.0.1:%d", cfg.LocalPort)); err != nil {
		util.LogError("failed to handle tunnel connection: %v", err)
		os.Exit(1)
	}
}

// newSession starts the stats reporter and wraps the transport in a session.
func newSession(ctx context.Context, cfg *config.Config, local, remote peer.ID, tr *transport.Transport) *session.Session {
	util.StartStatsReporter(ctx, util.Stats, cfg.Stats.Interval)
	util.LogDebug("local peer %s, remote peer %s, tick %v", local, remote, cfg.Mux.Tick)
	return session.New(local, remote, tr, cfg.Mux.Tick, cfg.MuxOptions()...)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
