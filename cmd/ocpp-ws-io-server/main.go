// Package main runs a standalone OCPP-J WebSocket gateway: the server
// upgrade pipeline (wsio, which owns the per-identity C8 rate limiter
// internally), the RPC endpoint per connection (rpc), the session
// registry (session), the cluster router (cluster), and the admin
// /health and /metrics listener (stats), wired together the way a real
// deployment would run them in one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ocppio/ocpp-ws-io/adapter"
	"github.com/ocppio/ocpp-ws-io/adapter/memadapter"
	"github.com/ocppio/ocpp-ws-io/adapter/redisadapter"
	"github.com/ocppio/ocpp-ws-io/cluster"
	"github.com/ocppio/ocpp-ws-io/cmn"
	"github.com/ocppio/ocpp-ws-io/cmn/cos"
	"github.com/ocppio/ocpp-ws-io/cmn/nlog"
	"github.com/ocppio/ocpp-ws-io/hk"
	"github.com/ocppio/ocpp-ws-io/rpc"
	"github.com/ocppio/ocpp-ws-io/session"
	"github.com/ocppio/ocpp-ws-io/stats"
	"github.com/ocppio/ocpp-ws-io/validate"
	"github.com/ocppio/ocpp-ws-io/wsio"
)

var (
	addr           string
	adminAddr      string
	nodeID         string
	redisAddrs     string
	strictMode     bool
	subprotocols   string
	allowedOrigins string
)

func init() {
	flag.StringVar(&addr, "addr", ":9320", "OCPP WebSocket listen address")
	flag.StringVar(&adminAddr, "admin-addr", "", "admin /health and /metrics listen address (empty disables it)")
	flag.StringVar(&nodeID, "node-id", "", "this node's cluster id (defaults to a generated one)")
	flag.StringVar(&redisAddrs, "redis", "", "comma-separated Redis addresses; empty uses the in-process adapter")
	flag.BoolVar(&strictMode, "strict", false, "validate inbound/outbound payloads against JSON Schemas")
	flag.StringVar(&subprotocols, "subprotocols", "ocpp1.6", "comma-separated accepted subprotocols, in preference order")
	flag.StringVar(&allowedOrigins, "allowed-origins", "", "comma-separated allowed Origin headers; empty accepts any")
}

func main() {
	flag.Parse()
	installSignalHandler()

	cfg := cmn.Default()
	cfg.Subprotocols = splitCSV(subprotocols)
	cfg.AllowedOrigins = splitCSV(allowedOrigins)
	cfg.StrictMode = strictMode
	cfg.NodeID = nodeID
	if cfg.NodeID == "" {
		cfg.NodeID = cos.GenMsgID()
	}
	if redisAddrs != "" {
		cfg.RedisAddr = redisAddrs
	}
	if adminAddr != "" {
		cfg.HealthEndpoint = true
		cfg.HealthAddr = adminAddr
	}
	cmn.GCO.Update(cfg)

	go hk.Default.Run()

	var validator *validate.Registry
	if cfg.StrictMode {
		validator = validate.ForProtocol("ocpp1.6")
		registerSchemas(validator)
	}

	registry := rpc.NewRegistry()
	registerHandlers(registry)

	adp, err := newAdapter(cfg)
	if err != nil {
		nlog.Errorf("ocpp-ws-io-server: failed to build adapter: %v", err)
		os.Exit(1)
	}

	sessions := session.New(cfg.MaxSessions, cfg.SessionTTL, cfg.GCInterval)

	srv := wsio.NewServer(cfg, registry, validator)

	router := cluster.New(cfg.NodeID, cfg, srv, adp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := router.Start(ctx); err != nil {
		nlog.Errorf("ocpp-ws-io-server: cluster router failed to start: %v", err)
		os.Exit(1)
	}

	srv.OnConnect = func(identity string, ep *rpc.Endpoint) {
		sessions.Touch(identity)
		router.AttachPoller(identity)
		if err := adp.SetPresence(context.Background(), identity, []byte(cfg.NodeID), cfg.PresenceTTL); err != nil {
			nlog.Warningf("ocpp-ws-io-server: set presence for %s: %v", identity, err)
		}
		nlog.Infof("ocpp-ws-io-server: %s connected", identity)
	}
	srv.OnDisconnect = func(identity string) {
		sessions.Remove(identity)
		router.DetachPoller(identity)
		if err := adp.RemovePresence(context.Background(), identity); err != nil {
			nlog.Warningf("ocpp-ws-io-server: remove presence for %s: %v", identity, err)
		}
		nlog.Infof("ocpp-ws-io-server: %s disconnected", identity)
	}
	srv.OnSecurityEvent = func(evt wsio.SecurityEvent) {
		nlog.Warningf("ocpp-ws-io-server: security event %s identity=%s remote=%s detail=%s",
			evt.Type, evt.Identity, evt.Remote, evt.Detail)
	}

	statsReg := stats.New()
	if cfg.HealthEndpoint {
		admin := stats.NewAdminServer(cfg.HealthAddr, statsReg, func() (int, int) {
			return len(srv.Identities()), sessions.Len()
		})
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				nlog.Errorf("ocpp-ws-io-server: admin listener stopped: %v", err)
			}
		}()
	}

	httpSrv := &http.Server{Addr: addr, Handler: srv}
	nlog.Infof("ocpp-ws-io-server: node %s listening on %s", cfg.NodeID, addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		nlog.Errorf("ocpp-ws-io-server: listener failed: %v", err)
		os.Exit(1)
	}
}

func newAdapter(cfg *cmn.Config) (adapter.StreamAdapter, error) {
	if cfg.RedisAddr == "" {
		return memadapter.New()
	}
	return redisadapter.New(redisadapter.Options{
		Addrs:       splitCSV(cfg.RedisAddr),
		Prefix:      cfg.Prefix,
		ClusterMode: cfg.RedisClusterMode,
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func installSignalHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		nlog.Infoln("ocpp-ws-io-server: shutting down")
		os.Exit(0)
	}()
}
