// Command agent is a native headless peer. It signs in to a peercall server,
// then either places a call to another user or waits for an incoming one,
// running the full negotiation with local camera and microphone capture.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/avolkov/peercall/internal/media"
	"github.com/avolkov/peercall/internal/models"
	sig "github.com/avolkov/peercall/internal/signal"
	"github.com/avolkov/peercall/internal/session"
	"github.com/avolkov/peercall/internal/transport"

	"github.com/pion/webrtc/v4"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "peercall server origin")
	userID := flag.String("user", "", "user identity to sign in as")
	token := flag.String("token", "", "pre-issued auth token (skips login)")
	callPeer := flag.String("call", "", "user to call; when empty the agent waits for incoming calls")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(*logLevel)

	if *userID == "" {
		logger.Error("-user is required")
		os.Exit(1)
	}

	authToken := *token
	if authToken == "" {
		t, err := login(*serverURL, *userID)
		if err != nil {
			logger.Error("login failed", "error", err)
			os.Exit(1)
		}
		authToken = t
	}

	client, err := sig.NewClient(*serverURL, authToken, logger)
	if err != nil {
		logger.Error("failed to connect signaling channel", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	iceServers, err := fetchICEConfig(*serverURL, authToken)
	if err != nil {
		logger.Error("failed to fetch ICE config", "error", err)
		os.Exit(1)
	}
	logger.Info("ICE configuration loaded", "servers", len(iceServers))

	source, err := media.NewDeviceSource(logger)
	if err != nil {
		logger.Error("failed to initialize capture devices", "error", err)
		os.Exit(1)
	}

	newTransport := func(ctx context.Context) (session.Transport, error) {
		return transport.Open(transport.Config{
			ICEServers:      iceServers,
			ConfigureEngine: source.ConfigureEngine,
		}, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &agent{
		selfID:       *userID,
		channel:      client,
		source:       source,
		newTransport: newTransport,
		logger:       logger,
		done:         make(chan struct{}),
	}

	if *callPeer != "" {
		a.place(ctx, *callPeer)
	} else {
		a.waitForCall(ctx, client)
	}
}

type agent struct {
	selfID       string
	channel      sig.Channel
	source       media.Source
	newTransport session.TransportFactory
	logger       *slog.Logger
	done         chan struct{}
}

func (a *agent) events() session.Events {
	return session.Events{
		OnState: func(state session.State) {
			a.logger.Info("call state changed", "state", state.String())
			switch state {
			case session.StateEnded, session.StateFailed:
				select {
				case <-a.done:
				default:
					close(a.done)
				}
			}
		},
		OnLocalStream: func(stream *media.LocalStream) {
			a.logger.Info("local capture started", "tracks", len(stream.Tracks()))
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			a.logger.Info("remote track arrived", "kind", track.Kind().String(), "id", track.ID())
			go drainTrack(track, a.logger)
		},
		OnFailure: func(reason session.FailReason, err error) {
			a.logger.Error("call failed", "reason", string(reason), "error", err)
		},
	}
}

func (a *agent) place(ctx context.Context, peerID string) {
	sess := session.New(session.Config{
		SelfID:       a.selfID,
		PeerID:       peerID,
		Channel:      a.channel,
		Media:        a.source,
		NewTransport: a.newTransport,
		Events:       a.events(),
		Logger:       a.logger,
	})

	a.logger.Info("placing call", "peer", peerID, "call_id", sess.CallID())
	if err := sess.Start(ctx); err != nil {
		a.logger.Error("failed to start call", "error", err)
		return
	}

	a.run(ctx, sess)
}

func (a *agent) waitForCall(ctx context.Context, client *sig.Client) {
	calls := make(chan models.CallRecord, 1)
	cancel, err := client.SubscribeIncoming(func(rec models.CallRecord) {
		select {
		case calls <- rec:
		default:
		}
	})
	if err != nil {
		a.logger.Error("failed to subscribe to incoming calls", "error", err)
		return
	}
	defer cancel()

	a.logger.Info("waiting for incoming calls", "user", a.selfID)

	select {
	case <-ctx.Done():
		return
	case rec := <-calls:
		peerID := rec.OtherParticipant(a.selfID)
		a.logger.Info("incoming call", "from", peerID, "call_id", rec.CallID)

		sess := session.New(session.Config{
			SelfID:       a.selfID,
			PeerID:       peerID,
			Channel:      a.channel,
			Media:        a.source,
			NewTransport: a.newTransport,
			Events:       a.events(),
			Logger:       a.logger,
		})
		if err := sess.Answer(ctx); err != nil {
			a.logger.Error("failed to answer call", "error", err)
			return
		}
		a.run(ctx, sess)
	}
}

// run blocks until the call finishes or the process is interrupted.
func (a *agent) run(ctx context.Context, sess *session.Session) {
	select {
	case <-ctx.Done():
		a.logger.Info("interrupted, hanging up")
		sess.End()
		<-a.done
	case <-a.done:
	}
	a.logger.Info("call finished", "state", sess.State().String())
}

// drainTrack keeps RTP flowing so the remote side does not stall. A real
// front end would hand these packets to a decoder.
func drainTrack(track *webrtc.TrackRemote, logger *slog.Logger) {
	buf := make([]byte, 1500)
	var packets int
	for {
		if _, _, err := track.Read(buf); err != nil {
			logger.Debug("remote track closed", "kind", track.Kind().String(), "packets", packets)
			return
		}
		packets++
	}
}

func login(serverURL, userID string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(
		strings.TrimRight(serverURL, "/")+"/api/auth/login",
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Token, nil
}

func fetchICEConfig(serverURL, token string) ([]transport.ICEServer, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/ice-config", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice-config: status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []transport.ICEServer `json:"ice_servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.ICEServers, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
