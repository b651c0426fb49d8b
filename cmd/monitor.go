// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/qc3tune/internal/config"
	"github.com/Thermoquad/qc3tune/pkg/hvdcp3"
	"github.com/Thermoquad/qc3tune/pkg/psylink"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var monitorOptiVoltage bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI running the negotiation engine",
	Long: `Run the HVDCP3 negotiation engine against a property host and watch it in
an interactive terminal UI.

Features:
  - Live negotiation state and pulse count
  - Power supply snapshot of the last decision cycle
  - Host uptime from periodic pings
  - Event logging
  - Automatic reconnection on connection loss

When the link drops the engine is stopped and a new one is started once the
host is reachable again, so negotiation restarts from the beginning.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorOptiVoltage, "opti-voltage", false, "Allow voltage optimization after authentication (overrides configuration)")
}

// linkManager owns the link and the session running on it, and rebuilds
// both after a connection loss.
type linkManager struct {
	cfg     *config.Config
	target  *linkTarget
	allowed bool
	p       *tea.Program
	done    chan struct{}

	mu      sync.RWMutex
	client  *psylink.Client
	session *hvdcp3.Session
}

func (lm *linkManager) getSession() *hvdcp3.Session {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.session
}

func (lm *linkManager) set(client *psylink.Client, session *hvdcp3.Session) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.client = client
	lm.session = session
}

// rescan asks the running session to re-evaluate the usb supply.
func (lm *linkManager) rescan() bool {
	s := lm.getSession()
	if s == nil {
		return false
	}
	s.Notify("usb")
	return true
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The first connection is opened before the TUI starts so that bad
	// connection flags fail fast.
	target, err := resolveTarget()
	if err != nil {
		return err
	}
	client, err := openLink(cfg, target, nil)
	if err != nil {
		return err
	}

	lm := &linkManager{
		cfg:     cfg,
		target:  target,
		allowed: optiVoltage(cmd, cfg, monitorOptiVoltage),
		done:    make(chan struct{}),
	}

	m := initialMonitorModel(lm, target.String())
	p := tea.NewProgram(m, tea.WithAltScreen())
	lm.p = p

	// Engine and link diagnostics go to the event log instead of the
	// terminal the TUI is drawing on.
	log.SetOutput(programLogWriter{p: p})
	defer log.SetOutput(os.Stderr)

	go lm.loop(client)

	_, err = p.Run()
	close(lm.done)
	lm.mu.RLock()
	if lm.session != nil {
		lm.session.Stop()
	}
	if lm.client != nil {
		lm.client.Close()
	}
	lm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// loop runs a session on each connection until shutdown.
func (lm *linkManager) loop(client *psylink.Client) {
	for {
		session := hvdcp3.New(client, hvdcp3.Config{NegotiationAllowed: lm.allowed})
		session.SetObserver(func(st hvdcp3.Status) {
			lm.p.Send(statusMsg(st))
		})
		if err := session.Start(client); err != nil {
			lm.p.Send(logMsg{text: fmt.Sprintf("Engine start failed: %v", err), isError: true})
		}
		lm.set(client, session)
		session.Notify("usb")

		lost := lm.watch(client)
		session.Stop()
		client.Close()
		if !lost {
			return
		}

		lm.p.Send(connectionLostMsg{err: client.Err()})
		var ok bool
		client, ok = lm.reconnect()
		if !ok {
			return
		}
		lm.p.Send(reconnectedMsg{connInfo: lm.target.String()})
	}
}

// watch pings the host until the link fails or shutdown is requested.
// Returns true if the link was lost.
func (lm *linkManager) watch(client *psylink.Client) bool {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	lm.ping(client)
	for {
		select {
		case <-lm.done:
			return false
		case <-client.Done():
			return true
		case <-ticker.C:
			lm.ping(client)
		}
	}
}

func (lm *linkManager) ping(client *psylink.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), lm.cfg.Link.RequestTimeout)
	defer cancel()
	uptime, err := client.Ping(ctx)
	if err != nil {
		lm.p.Send(logMsg{text: fmt.Sprintf("Ping failed: %v", err), isError: true})
		return
	}
	lm.p.Send(uptimeMsg(uptime))
}

// reconnect reopens the link with exponential backoff.
// Returns false if shutdown was requested during reconnection.
func (lm *linkManager) reconnect() (*psylink.Client, bool) {
	backoff := 1 * time.Second
	maxBackoff := lm.cfg.Link.ReconnectMaxBackoff

	for {
		select {
		case <-lm.done:
			return nil, false
		case <-time.After(backoff):
		}

		client, err := openLink(lm.cfg, lm.target, nil)
		if err == nil {
			return client, true
		}
		lm.p.Send(logMsg{text: fmt.Sprintf("Reconnect failed: %v", err), isError: true})

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// programLogWriter forwards log output to the TUI event log.
type programLogWriter struct {
	p *tea.Program
}

func (w programLogWriter) Write(b []byte) (int, error) {
	w.p.Send(logMsg{text: strings.TrimRight(string(b), "\n")})
	return len(b), nil
}
