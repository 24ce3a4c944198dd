// Package turn embeds a STUN/TURN relay so calls work behind NAT without any
// external infrastructure. Credentials are generated once and persisted next
// to the binary.
package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avolkov/peercall/internal/transport"

	"github.com/pion/turn/v3"
)

type Server struct {
	server   *turn.Server
	port     int
	username string
	password string

	logger *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

// Initialize starts the TURN server on a UDP listener. The relay address is
// the machine's public IP when discoverable, the local IP otherwise.
func Initialize(port int, realm string, logger *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	creds := loadOrGenerateCredentials(logger)

	relayIP := publicIP(logger)
	if relayIP == nil {
		logger.Warn("could not determine public IP, falling back to local IP")
		relayIP = localIP(logger)
	}
	logger.Info("TURN relay address selected", "ip", relayIP.String())

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("TURN server initialized", "port", port, "realm", realm)

	return &Server{
		server:   s,
		port:     port,
		username: creds.Username,
		password: creds.Password,
		logger:   logger,
	}, nil
}

func (s *Server) GetCredentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

// ICEServers returns the STUN and TURN entries for host, in the shape a peer
// transport consumes. TURN servers answer STUN too, so one port covers both.
/// The TURN entry uses plain "turn:" since the listener is UDP-only; media is
// protected by DTLS-SRTP anyway.
func (s *Server) ICEServers(host string) []transport.ICEServer {
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return []transport.ICEServer{
		{URLs: []string{fmt.Sprintf("stun:%s:%d", host, s.port)}},
		{
			URLs:       []string{fmt.Sprintf("turn:%s:%d", host, s.port)},
			Username:   s.username,
			Credential: s.password,
		},
	}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, expectedPassword string) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, expectedPassword), true
		}
		return nil, false
	}
}

func loadOrGenerateCredentials(logger *slog.Logger) Credentials {
	keysDir := keysDirectory()
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{
				Username: strings.TrimSpace(string(usernameData)),
				Password: strings.TrimSpace(string(passwordData)),
			}
		}
	}

	creds := Credentials{Username: "peercall", Password: generatePassword()}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(usernameFile, []byte(creds.Username), 0600)
		_ = os.WriteFile(passwordFile, []byte(creds.Password), 0600)
		logger.Info("TURN credentials saved", "dir", keysDir)
	}

	return creds
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// publicIP asks ipify.org for the externally visible address.
func publicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Warn("public IP lookup failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("public IP lookup returned non-200", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("public IP lookup read failed", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("public IP lookup returned garbage", "body", strings.TrimSpace(string(body)))
		return nil
	}

	logger.Info("detected public IP", "ip", ip.String())
	return ip
}

// localIP infers the outbound interface address; last resort is loopback.
func localIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Error("failed to determine local IP", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP
}
