package stats

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"github.com/ocppio/ocpp-ws-io/cmn/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is how AdminServer learns the current connection/session
// counts it reports on /health; the caller (typically wsio.Server and
// session.Registry together) supplies this on every request rather
// than AdminServer holding references to either.
type Snapshot func() (connectedClients, sessions int)

// AdminServer is the separate HTTP listener spec.md §6 describes for
// /health and /metrics, kept off the OCPP upgrade path's listener so a
// metrics scrape never competes with the WebSocket accept loop.
//
// Grounded on SPEC_FULL.md's domain-stack section, which calls for a
// valyala/fasthttp-based admin listener distinct from the
// gorilla/websocket upgrade listener; no file in the retrieved pack
// exercises fasthttp directly; this is a from-scratch minimal handler
// built on its documented request/response API.
type AdminServer struct {
	Addr     string
	Registry *Registry
	Snapshot Snapshot

	server *fasthttp.Server
}

// NewAdminServer builds an AdminServer bound to addr.
func NewAdminServer(addr string, reg *Registry, snap Snapshot) *AdminServer {
	a := &AdminServer{Addr: addr, Registry: reg, Snapshot: snap}
	a.server = &fasthttp.Server{
		Handler:      a.handle,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return a
}

// ListenAndServe blocks serving /health and /metrics until the server
// is shut down or hits a fatal listener error.
func (a *AdminServer) ListenAndServe() error {
	nlog.Infof("stats: admin listener starting on %s", a.Addr)
	return a.server.ListenAndServe(a.Addr)
}

// Shutdown gracefully stops the admin listener.
func (a *AdminServer) Shutdown() error {
	return a.server.Shutdown()
}

func (a *AdminServer) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/health":
		a.handleHealth(ctx)
	case "/metrics":
		a.handleMetrics(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (a *AdminServer) handleHealth(ctx *fasthttp.RequestCtx) {
	clients, sessions := 0, 0
	if a.Snapshot != nil {
		clients, sessions = a.Snapshot()
	}
	a.Registry.SampleMemory()
	body, err := json.Marshal(a.Registry.Health(clients, sessions))
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	_, _ = ctx.Write(body)
}

func (a *AdminServer) handleMetrics(ctx *fasthttp.RequestCtx) {
	if a.Snapshot != nil {
		clients, _ := a.Snapshot()
		a.Registry.ConnectedClients.Set(float64(clients))
	}
	a.Registry.SampleMemory()
	families, err := a.Registry.Gatherer().Gather()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType(string(expfmt.FmtText))
	enc := expfmt.NewEncoder(ctx.Response.BodyWriter(), expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			nlog.Warningf("stats: encode metric family %s: %v", mf.GetName(), err)
			return
		}
	}
}
