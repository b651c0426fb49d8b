// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/qc3tune/internal/config"
	"github.com/Thermoquad/qc3tune/pkg/psylink"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// passwordEnv holds the WebSocket Basic auth password.
const passwordEnv = "QC3_PASSWORD"

// linkTarget is the property host selected by the connection flags. It is
// resolved once per command so that reconnects reuse the same credentials
// without prompting again.
type linkTarget struct {
	port     string
	baud     int
	url      string
	username string
	password string
	insecure bool
}

// resolveTarget reads the connection flags. With --username the password is
// read here, once.
func resolveTarget() (*linkTarget, error) {
	t := &linkTarget{
		port:     portName,
		baud:     baudRate,
		url:      wsURL,
		username: wsUsername,
		insecure: wsNoSSLVerify,
	}

	switch {
	case t.url != "":
		if _, err := parseWSURL(t.url); err != nil {
			return nil, err
		}
		if t.username != "" {
			pw, err := readPassword()
			if err != nil {
				return nil, err
			}
			t.password = pw
		}
	case t.port != "":
	default:
		return nil, fmt.Errorf("either --port or --url must be specified")
	}
	return t, nil
}

func (t *linkTarget) String() string {
	if t.url != "" {
		return fmt.Sprintf("WebSocket: %s", t.url)
	}
	return fmt.Sprintf("Serial: %s @ %d baud", t.port, t.baud)
}

// open connects the byte stream psylink runs over.
func (t *linkTarget) open() (io.ReadWriteCloser, error) {
	if t.url != "" {
		return dialWebSocket(t.url, t.username, t.password, t.insecure)
	}
	return openSerial(t.port, t.baud)
}

// openLink connects to the target and starts a psylink client using the
// configured request timeout.
func openLink(cfg *config.Config, t *linkTarget, trace func(*psylink.Packet, bool)) (*psylink.Client, error) {
	conn, err := t.open()
	if err != nil {
		return nil, err
	}
	return psylink.NewClient(conn, psylink.ClientConfig{
		Timeout: cfg.Link.RequestTimeout,
		Trace:   trace,
	}), nil
}

// openSerial opens the charger board UART at 8N1. Anything the board printed
// before the port was opened is discarded.
func openSerial(name string, baud int) (serial.Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("flush serial port %s: %w", name, err)
	}
	return port, nil
}

func parseWSURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return u, nil
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}
}

// dialWebSocket connects to a psylink bridge. A non-empty username adds HTTP
// Basic auth.
func dialWebSocket(rawURL, username, password string, insecure bool) (*wsConn, error) {
	u, err := parseWSURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecure}
	}

	header := http.Header{}
	if username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		header.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed (HTTP %d): %w", u.Redacted(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", u.Redacted(), err)
	}
	return newWSConn(ws), nil
}

// wsConn presents a WebSocket as the byte stream psylink expects: every write
// is one binary message and reads drain binary messages in order. Text
// messages are ignored. It wraps dialed and accepted connections alike.
type wsConn struct {
	ws      *websocket.Conn
	pending []byte
	err     error // sticky read error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// Read returns io.EOF once the peer closes normally.
func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			c.err = err
			return 0, err
		}
		if typ == websocket.BinaryMessage {
			c.pending = data
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close frame before dropping the connection.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// readPassword takes the password from QC3_PASSWORD or prompts for it.
func readPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err == nil {
		return string(pw), nil
	}

	// Not a terminal; read a line instead.
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %v", err)
	}
	return strings.TrimSpace(line), nil
}
