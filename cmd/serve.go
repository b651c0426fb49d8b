// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
	"github.com/Thermoquad/qc3tune/pkg/psylink"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	serveListen     string
	servePath       string
	serveSourceType string
	serveLoadWatts  float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose a simulated charger as a psylink property host",
	Long: `Serve the built-in QC3 charger model over psylink so that run, monitor,
raw_log and ping can be exercised without hardware.

With --port the simulator answers on that serial port (useful with a null
modem or a virtual serial pair). Otherwise it listens for WebSocket clients
on --listen at --path. When --username is set, clients must authenticate with
HTTP Basic auth using that name and the QC3_PASSWORD password.

The charger is attached as soon as the server starts.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "127.0.0.1:8080", "WebSocket listen address")
	serveCmd.Flags().StringVar(&servePath, "path", "/psy", "WebSocket endpoint path")
	serveCmd.Flags().StringVar(&serveSourceType, "type", "hvdcp3", "Attached source type: hvdcp3, hvdcp, dcp, cdp, sdp")
	serveCmd.Flags().Float64Var(&serveLoadWatts, "load", 0, "Charger load in watts (default from configuration)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sourceType, err := parseSourceType(serveSourceType)
	if err != nil {
		return err
	}

	simCfg := cfg.SimSource()
	if cmd.Flags().Changed("load") {
		simCfg.LoadPower = int64(serveLoadWatts * 1e6)
	}
	sim := psy.NewSim(simCfg)
	sim.Attach(sourceType)
	server := psylink.NewServer(sim, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if portName != "" {
		conn, err := openSerial(portName, baudRate)
		if err != nil {
			return err
		}
		log.Printf("Serving simulated %s charger on %s @ %d baud", serveSourceType, portName, baudRate)
		return server.Serve(ctx, conn)
	}

	password := ""
	if wsUsername != "" {
		if password, err = readPassword(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle(servePath, &wsHost{
		server:   server,
		ctx:      ctx,
		username: wsUsername,
		password: password,
	})
	httpServer := &http.Server{
		Addr:              serveListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Serving simulated %s charger on ws://%s%s", serveSourceType, serveListen, servePath)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// wsHost upgrades authorised requests and serves psylink on each connection.
type wsHost struct {
	server   *psylink.Server
	ctx      context.Context
	username string
	password string
}

func (h *wsHost) authorize(r *http.Request) bool {
	if h.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
	return userOK && passOK
}

func (h *wsHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="qc3tune"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("WebSocket client connected: %s", r.RemoteAddr)
	if err := h.server.Serve(h.ctx, newWSConn(conn)); err != nil {
		log.Printf("WebSocket client %s: %v", r.RemoteAddr, err)
	}
	log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
}
