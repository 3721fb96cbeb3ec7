package main

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/peer"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// runChat connects to the peer through the relay and bridges stdin and the
// connection's events until either side quits.
func runChat(ctx context.Context, cfg config.Config) error {
	roomURL, err := cfg.RoomURL()
	if err != nil {
		return err
	}

	relay, err := signaling.Dial(ctx, roomURL)
	if err != nil {
		return err
	}
	defer relay.Close()
	util.LogInfo("joined room %s", cfg.Relay.Room)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	factory := transport.NewFactory(cfg.TransportOptions())
	conn := peer.New(ctx, relay,
		peer.WithFactory(factory),
		peer.WithLabel(cfg.Channel.Label),
		peer.WithPacing(cfg.Channel.Pacing),
	)
	defer conn.Close()

	if err := conn.Open(); err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	util.LogInfo("waiting for the peer to join...")

	outbox, sent := startSender(ctx, conn)
	defer func() {
		close(outbox)
		select {
		case <-sent:
		case <-time.After(shutdownGrace):
			util.LogWarning("gave up on unsent messages")
		}
	}()

	lines := readLines(ctx)
	relayDone := relay.Done()
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case peer.EventOpen:
				util.StartStatsReporter(ctx, cfg.StatsInterval)
				util.LogSuccess("P2P channel open — type to chat, /file <path> to send a file, /quit to leave")
			case peer.EventMessage:
				showMessage(ev.Message, cfg.DownloadDir)
			case peer.EventClose:
				if ev.Err != nil {
					return fmt.Errorf("connection failed: %w", ev.Err)
				}
				util.LogWarning("peer closed the connection")
				return nil
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, quit, err := parseInput(line)
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			if quit {
				return nil
			}
			if msg != nil {
				outbox <- *msg
			}

		case <-relayDone:
			// The channel does not need the relay once open.
			if conn.State() != peer.StateOpen {
				return fmt.Errorf("relay connection lost before the peer connected")
			}
			util.LogDebug("relay connection closed")
			relayDone = nil

		case <-ctx.Done():
			return nil
		}
	}
}

// startSender posts messages in order from a single goroutine. The
// returned done channel closes once outbox is drained after being closed.
func startSender(ctx context.Context, conn *peer.Connection) (chan<- protocol.Message, <-chan struct{}) {
	outbox := make(chan protocol.Message, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range outbox {
			if err := conn.PostMessage(ctx, msg); err != nil {
				util.LogWarning("message not sent: %v", err)
			}
		}
	}()
	return outbox, done
}

// parseInput turns one stdin line into a message. Blank lines yield
// nothing.
func parseInput(line string) (msg *protocol.Message, quit bool, err error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return nil, false, nil
	case trimmed == "/quit":
		return nil, true, nil
	case trimmed == "/file" || strings.HasPrefix(trimmed, "/file "):
		path := strings.TrimSpace(strings.TrimPrefix(trimmed, "/file"))
		if path == "" {
			return nil, false, fmt.Errorf("usage: /file <path>")
		}
		m, err := readFile(path)
		if err != nil {
			return nil, false, err
		}
		return &m, false, nil
	default:
		m := protocol.TextMessage(line)
		return &m, false, nil
	}
}

// readFile loads a file as a binary message. The MIME type comes from the
// extension, or from the content when the extension is unknown.
func readFile(path string) (protocol.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		head, _ := r.Peek(512)
		mimeType = http.DetectContentType(head)
	}

	msg, err := protocol.ReadBinary(mimeType, r)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to read file: %w", err)
	}
	util.LogInfo("sending %s (%s, %d bytes)", filepath.Base(path), mimeType, msg.Len())
	return msg, nil
}

// showMessage prints a text message or saves a binary one to dir.
func showMessage(msg *protocol.Message, dir string) {
	if !msg.IsBinary() {
		pterm.Println(pterm.Cyan("peer › ") + msg.Text)
		return
	}

	path, err := saveBlob(msg.Binary, dir)
	if err != nil {
		util.LogError("failed to save received file: %v", err)
		return
	}
	util.LogSuccess("received %s (%d bytes) → %s", msg.Binary.Mime, len(msg.Binary.Data), path)
}

// saveBlob writes b into dir under a name derived from its content hash.
func saveBlob(b *protocol.Blob, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(b.Mime); len(exts) > 0 {
		ext = exts[0]
	}
	name := fmt.Sprintf("peerlink-%08x%s", util.Fingerprint(b.Data), ext)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, b.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
