// Peerlink CLI entry point.
//
// Peerlink connects two machines over a WebRTC data channel and exchanges
// text and files over it. A small WebSocket relay carries the signaling;
// once the channel is open, traffic flows peer to peer.
//
// It can be launched interactively (no -mode flag) or non-interactively
// via CLI flags and an optional YAML config file (-config).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	mode := flag.String("mode", "", "Mode: relay or chat")
	listen := flag.String("listen", "", "Relay listen address (relay only), e.g. :8080")
	relayURL := flag.String("relay", "", "Relay host or URL (chat only)")
	room := flag.String("room", "", "Room shared with the peer (chat only, random if empty)")
	stun := flag.String("stun", "", "Comma-separated STUN URLs, \"none\" for host candidates only")
	loopback := flag.Bool("loopback", false, "Gather loopback candidates (both peers on one machine)")
	label := flag.String("label", "", "Data channel label")
	unordered := flag.Bool("unordered", false, "Use an unordered data channel")
	maxRetransmits := flag.Int("maxRetransmits", -1, "Partially reliable channel with this many retransmits (-1 = reliable)")
	pacing := flag.Duration("pacing", 0, fmt.Sprintf("Delay between frames of one message (e.g. %dms to match wall-clock paced peers)", protocol.Step))
	downloads := flag.String("downloads", "", "Directory for received files")
	statsInterval := flag.Duration("stats", 0, "Traffic report interval (0 keeps the default)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override the file, but only when given explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = config.Mode(*mode)
		case "listen":
			cfg.Relay.Listen = *listen
		case "relay":
			cfg.Relay.URL = *relayURL
		case "room":
			cfg.Relay.Room = *room
		case "stun":
			cfg.ICE.STUN = splitList(*stun)
		case "loopback":
			cfg.ICE.Loopback = *loopback
		case "label":
			cfg.Channel.Label = *label
		case "unordered":
			cfg.Channel.Unordered = *unordered
		case "maxRetransmits":
			if *maxRetransmits == -1 {
				cfg.Channel.MaxRetransmits = nil
			} else {
				n := *maxRetransmits
				cfg.Channel.MaxRetransmits = &n
			}
		case "pacing":
			cfg.Channel.Pacing = *pacing
		case "downloads":
			cfg.DownloadDir = *downloads
		case "stats":
			cfg.StatsInterval = *statsInterval
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink — v%s", version))
	pterm.Println()

	if cfg.Mode == "" {
		// No mode from flags or file → interactive mode.
		askMissing(&cfg)
	}
	if cfg.Mode == config.ModeChat && cfg.Relay.Room == "" {
		cfg.Relay.Room = newRoomName()
		util.LogInfo("no room given, created room %s — start the peer with -room %s", cfg.Relay.Room, cfg.Relay.Room)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case config.ModeRelay:
		runRelay(ctx, cfg)
	case config.ModeChat:
		if err := runChat(ctx, cfg); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runRelay serves the signaling relay until ctx is cancelled.
func runRelay(ctx context.Context, cfg config.Config) {
	srv := signaling.NewServer()
	port, err := srv.Start(cfg.Relay.Listen)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.LogSuccess("relay listening on port %d — peers connect to ws://<host>:%d/ws?room=<name>", port, port)
	<-ctx.Done()
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askMissing fills the mode and, for chat, the relay and room through
// interactive prompts.
func askMissing(cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Chat  — Connect to a peer", "Relay — Run the signaling relay"}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Relay") {
		cfg.Mode = config.ModeRelay
		return
	}

	cfg.Mode = config.ModeChat
	if _, err := config.NormalizeRelayURL(cfg.Relay.URL); err != nil {
		cfg.Relay.URL = askURL()
	}
	if cfg.Relay.Room == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room name (leave empty to create one)").
			Show()
		cfg.Relay.Room = strings.TrimSpace(raw)
		pterm.Println()
	}
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. ws://192.168.1.10:8080)").
			Show()

		if _, err := config.NormalizeRelayURL(raw); err == nil {
			pterm.Println()
			return strings.TrimSpace(raw)
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// newRoomName returns a short random room name.
func newRoomName() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// splitList splits a comma-separated flag value. "none" yields an empty
// list.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "none" {
		return []string{}
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// readLines streams stdin lines until EOF or ctx is done.
func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// shutdownGrace bounds how long chat mode waits for queued sends on exit.
const shutdownGrace = 2 * time.Second
