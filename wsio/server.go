// Package wsio implements C5, the server upgrade pipeline: every
// incoming HTTP request destined to become an OCPP-J connection passes
// through URL parsing, subprotocol negotiation, the front-door security
// gates, an optional user auth callback, and finally the WebSocket
// upgrade itself, landing in a server-role rpc.Endpoint.
//
// Grounded on the retrieved OCPP reference server
// (other_examples' JoseRFJuniorLLMs-EV-IA internal-adapter file): its
// handleConnection does URL parsing, subprotocol/charge-point/rate-limit
// validation, then Upgrade, then a per-connection read loop — the same
// shape spec.md §4.5 describes, generalized here into named pipeline
// steps with a pluggable auth callback.
package wsio

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ocppio/ocpp-ws-io/cmn"
	"github.com/ocppio/ocpp-ws-io/cmn/cos"
	"github.com/ocppio/ocpp-ws-io/cmn/nlog"
	"github.com/ocppio/ocpp-ws-io/ocpp"
	"github.com/ocppio/ocpp-ws-io/queue"
	"github.com/ocppio/ocpp-ws-io/ratelimit"
	"github.com/ocppio/ocpp-ws-io/rpc"
	"github.com/ocppio/ocpp-ws-io/validate"
	"github.com/ocppio/ocpp-ws-io/wsio/handshake"
)

// Handshake carries everything the pipeline learned about one upgrade
// attempt by the time an auth callback (or the final upgrade step) runs.
type Handshake struct {
	Identity          string
	Request           *http.Request
	Subprotocol       string
	BasicAuthUser     string
	BasicAuthPassword []byte
	PeerCertPresent   bool
}

// AuthCallback decides whether an upgrade attempt may proceed. It must
// call accept or reject exactly once; a second call is ignored. cancel
// closes if the handshake is aborted out from under the callback (the
// handshakeTimeoutMs deadline, or the client disconnecting) — spec.md
// §4.5, step 8.
type AuthCallback func(accept func(), reject func(code int, message string), hs Handshake, cancel <-chan struct{})

// SecurityEvent is emitted for every front-door or auth rejection
// (spec.md §4.5's structured securityEvent).
type SecurityEvent struct {
	Type     string // AUTH_FAILED | CONNECTION_RATE_LIMIT | UPGRADE_ABORTED | INVALID_PAYLOAD | RATE_LIMIT_EXCEEDED
	Identity string
	Detail   string
	Remote   string
}

// Server runs the upgrade pipeline and owns the resulting server-role
// endpoints, keyed by identity.
type Server struct {
	cfg       *cmn.Config
	registry  *rpc.Registry
	validator *validate.Registry
	upgrader  websocket.Upgrader

	AuthCallback    AuthCallback
	OnSecurityEvent func(SecurityEvent)
	OnConnect       func(identity string, ep *rpc.Endpoint)
	OnDisconnect    func(identity string)

	mu      sync.RWMutex
	clients map[string]*rpc.Endpoint

	rateMu sync.Mutex
	perIP  map[string]*rate.Limiter

	// limiters holds one C8 ratelimit.Limiter per connected identity,
	// sharing sampler so an adaptive-pressure event scales every
	// endpoint's buckets together (spec.md §4.8).
	limiterMu sync.Mutex
	limiters  map[string]*ratelimit.Limiter
	sampler   *ratelimit.Sampler

	// OnRateLimitExceeded resolves a "callback"-policy bucket
	// (spec.md §4.8's onLimitExceeded ∈ ignore|disconnect|callback).
	// A nil hook rejects, same as ratelimit.Limiter's own default.
	OnRateLimitExceeded func(identity, method string) bool
}

// NewServer builds a Server that dispatches inbound calls through
// registry and, when strict mode is on, validates against validator.
// The Server keeps the cfg pointer given here and reads it on every
// upgrade; a Config installed later through cmn.GCO.Update is not seen
// by this Server. Endpoints take ping interval, call timeout,
// bad-message threshold and strict mode from cmn.Rom instead.
func NewServer(cfg *cmn.Config, registry *rpc.Registry, validator *validate.Registry) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients:  map[string]*rpc.Endpoint{},
		perIP:    map[string]*rate.Limiter{},
		limiters: map[string]*ratelimit.Limiter{},
		sampler:  ratelimit.NewSampler(cfg.Adaptive),
	}
}

// Endpoint returns the open endpoint for identity, if any.
func (s *Server) Endpoint(identity string) (*rpc.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.clients[identity]
	return ep, ok
}

// Identities returns every currently connected identity.
func (s *Server) Identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	return out
}

// Close signals every open endpoint's close with the given options and
// waits up to the configured call timeout for in-flight handlers to
// drain, unless force (spec.md §5's "Graceful shutdown").
func (s *Server) Close(force bool, code int, reason string) {
	s.mu.Lock()
	eps := make([]*rpc.Endpoint, 0, len(s.clients))
	for _, ep := range s.clients {
		eps = append(eps, ep)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range eps {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep.Close(!force, force, code, reason)
		}()
	}
	wg.Wait()
}

// ServeHTTP runs the full pipeline (spec.md §4.5, steps 1–10).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Step 1: readyState check. A request whose context is already
	// done (client gone, server shutting down) gets no further work.
	if r.Context().Err() != nil {
		http.Error(w, "connection closing", http.StatusBadRequest)
		return
	}

	// Step 2.
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}

	// Step 3.
	identity, err := identityFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := cos.ValidateIdentity(identity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Front-door gates, checked before auth.
	if !s.checkConnectionRate(r) {
		s.emit(SecurityEvent{Type: "CONNECTION_RATE_LIMIT", Identity: identity, Remote: r.RemoteAddr})
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if !s.checkOrigin(r) {
		s.emit(SecurityEvent{Type: "AUTH_FAILED", Identity: identity, Detail: "origin not allowed", Remote: r.RemoteAddr})
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Step 5.
	offered := splitProtocolHeader(r.Header.Get("Sec-WebSocket-Protocol"))
	protocol, ok := negotiateSubprotocol(s.cfg.Subprotocols, offered)
	if !ok {
		s.emit(SecurityEvent{Type: "UPGRADE_ABORTED", Identity: identity, Detail: "no acceptable subprotocol", Remote: r.RemoteAddr})
		http.Error(w, "no acceptable subprotocol", http.StatusBadRequest)
		return
	}

	// Steps 6-7.
	user, pass, _ := handshake.ParseBasicAuth(r.Header.Get("Authorization"))
	_, hasPeerCert := handshake.PeerCertificate(r)
	if s.cfg.SecurityProfile == 3 && !hasPeerCert {
		s.emit(SecurityEvent{Type: "AUTH_FAILED", Identity: identity, Detail: "mTLS required, no client certificate presented", Remote: r.RemoteAddr})
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	hs := Handshake{
		Identity:          identity,
		Request:           r,
		Subprotocol:       protocol,
		BasicAuthUser:     user,
		BasicAuthPassword: pass,
		PeerCertPresent:   hasPeerCert,
	}

	// Step 8.
	if s.AuthCallback != nil {
		if err := s.runAuthCallback(hs); err != nil {
			s.emit(SecurityEvent{Type: "AUTH_FAILED", Identity: identity, Detail: err.Error(), Remote: r.RemoteAddr})
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	// Step 9.
	if r.Context().Err() != nil {
		return
	}

	// Step 10.
	s.upgrader.Subprotocols = []string{protocol}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		nlog.Warningf("wsio: upgrade failed for %s: %v", identity, err)
		return
	}

	if s.cfg.TCPKeepAlive > 0 {
		if tcpConn, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(s.cfg.TCPKeepAlive)
		}
	}

	s.attachEndpoint(identity, protocol, conn)
}

// runAuthCallback invokes AuthCallback and waits for it to accept,
// reject, time out (handshakeTimeoutMs), or have its request's
// connection close out from under it.
func (s *Server) runAuthCallback(hs Handshake) error {
	type outcome struct{ err error }
	resultCh := make(chan outcome, 1)
	var once sync.Once
	accept := func() { once.Do(func() { resultCh <- outcome{} }) }
	reject := func(code int, message string) {
		once.Do(func() { resultCh <- outcome{err: fmt.Errorf("%s", message)} })
	}

	cancel := make(chan struct{})
	timeout := s.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	go s.AuthCallback(accept, reject, hs, cancel)

	select {
	case r := <-resultCh:
		return r.err
	case <-timer.C:
		close(cancel)
		return fmt.Errorf("handshake timed out")
	case <-hs.Request.Context().Done():
		close(cancel)
		return fmt.Errorf("connection closed during handshake")
	}
}

func (s *Server) attachEndpoint(identity, protocol string, conn *websocket.Conn) {
	// An upgrade for an identity already connected evicts the prior
	// connection rather than living alongside it (spec.md §3). The prior
	// endpoint is terminated only once the new one is registered, so its
	// OnClose finds itself replaced and fires no OnDisconnect.
	prior, hadPrior := s.Endpoint(identity)

	q := queue.New(s.cfg.CallConcurrency)
	ep := rpc.NewEndpoint(identity, protocol, rpc.RoleServer, s.registry, s.validator, s.cfg, q)

	tr := newTransport(conn, s.cfg.CallTimeout)
	conn.SetPongHandler(func(string) error { ep.PongReceived(); return nil })
	if s.cfg.MaxPayloadBytes > 0 {
		conn.SetReadLimit(int64(s.cfg.MaxPayloadBytes))
	}

	ep.OnClose = func(code int, reason string) {
		evicted := s.removeClient(identity, ep)
		// A stale endpoint (the one just evicted above) closing after
		// it's already been replaced must not tear down the identity's
		// new connection or fire a spurious OnDisconnect for it.
		if !evicted {
			return
		}
		s.removeLimiter(identity)
		if s.OnDisconnect != nil {
			s.OnDisconnect(identity)
		}
	}

	if err := ep.Attach(tr); err != nil {
		nlog.Errorf("wsio: attach failed for %s: %v", identity, err)
		_ = conn.Close()
		return
	}

	s.addClient(identity, ep)
	if hadPrior {
		prior.Terminate(1000, "replaced by new connection")
	}
	if s.OnConnect != nil {
		s.OnConnect(identity, ep)
	}

	go s.readLoop(ep, conn)
}

// admitVerdict is the inbound-frame-admission outcome of the C8 rate
// limiter, checked ahead of frame parsing and handler dispatch
// (spec.md §2's data-flow).
type admitVerdict int

const (
	admitPass admitVerdict = iota
	admitDrop
	admitDisconnect
)

// admitInbound consults identity's rate limiter before data is handed
// to the endpoint. Per spec.md §4.8, a minimal parse identifies the
// method name only when per-method rules exist; ocpp.Parse is cheap
// enough (and already the parse the endpoint itself will do a moment
// later) that this package doesn't maintain a second, partial parser
// just to save that one extra decode.
func (s *Server) admitInbound(ep *rpc.Endpoint, data []byte) admitVerdict {
	lim := s.limiterFor(ep.Identity())
	if lim == nil {
		return admitPass
	}

	var method string
	if msg, err := ocpp.Parse(data); err == nil {
		if call, ok := msg.(*ocpp.Call); ok {
			method = call.Action
		}
	}

	switch lim.Allow(method) {
	case ratelimit.Allowed, ratelimit.Ignored:
		return admitPass
	case ratelimit.Disconnected:
		s.emit(SecurityEvent{Type: "RATE_LIMIT_EXCEEDED", Identity: ep.Identity()})
		return admitDisconnect
	case ratelimit.Callback:
		if lim.ResolveCallback(method) {
			return admitPass
		}
		s.emit(SecurityEvent{Type: "RATE_LIMIT_EXCEEDED", Identity: ep.Identity()})
		return admitDrop
	default:
		return admitPass
	}
}

func (s *Server) limiterFor(identity string) *ratelimit.Limiter {
	if s.cfg.GlobalRateLimit.Limit <= 0 && len(s.cfg.MethodRateLimit) == 0 {
		return nil
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[identity]
	if !ok {
		lim = ratelimit.New(identity, s.cfg, s.sampler)
		lim.OnLimitExceeded = s.OnRateLimitExceeded
		s.limiters[identity] = lim
	}
	return lim
}

func (s *Server) removeLimiter(identity string) {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	delete(s.limiters, identity)
}

func (s *Server) readLoop(ep *rpc.Endpoint, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ep.Terminate(1006, "read error")
			return
		}
		switch s.admitInbound(ep, data) {
		case admitDisconnect:
			ep.Terminate(1008, "rate limit exceeded")
			return
		case admitDrop:
			continue
		}
		ep.HandleMessage(data)
	}
}

func (s *Server) addClient(identity string, ep *rpc.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[identity] = ep
}

// removeClient deletes identity's map entry only if it is still exactly
// ep — a compare-and-delete that keeps a stale, already-replaced
// endpoint's eventual close from deleting the connection that replaced
// it. It reports whether the delete happened.
func (s *Server) removeClient(identity string, ep *rpc.Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[identity] != ep {
		return false
	}
	delete(s.clients, identity)
	return true
}

func (s *Server) emit(evt SecurityEvent) {
	if s.OnSecurityEvent != nil {
		s.OnSecurityEvent(evt)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) checkConnectionRate(r *http.Request) bool {
	limit := s.cfg.ConnRateLimit
	if limit.Limit <= 0 {
		return true
	}
	ip := remoteIP(r)

	s.rateMu.Lock()
	lim, ok := s.perIP[ip]
	if !ok {
		window := limit.Window
		if window <= 0 {
			window = time.Second
		}
		lim = rate.NewLimiter(rate.Limit(float64(limit.Limit)/window.Seconds()), limit.Limit)
		s.perIP[ip] = lim
	}
	s.rateMu.Unlock()

	return lim.Allow()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func identityFromPath(p string) (string, error) {
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", fmt.Errorf("missing identity in path")
	}
	seg := p[idx+1:]
	if seg == "" {
		return "", fmt.Errorf("missing identity in path")
	}
	decoded, err := url.PathUnescape(seg)
	if err != nil {
		return "", fmt.Errorf("invalid identity encoding")
	}
	return decoded, nil
}

func splitProtocolHeader(h string) []string {
	if h == "" {
		return nil
	}
	parts := strings.Split(h, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// negotiateSubprotocol selects the first entry in serverPreference also
// present in offered (spec.md §6: "the server selects the first value
// in its configured list also offered by the client"). An empty
// serverPreference means the server has no subprotocol requirement.
func negotiateSubprotocol(serverPreference, offered []string) (string, bool) {
	if len(serverPreference) == 0 {
		return "", true
	}
	offeredSet := make(map[string]struct{}, len(offered))
	for _, o := range offered {
		offeredSet[o] = struct{}{}
	}
	for _, pref := range serverPreference {
		if _, ok := offeredSet[pref]; ok {
			return pref, true
		}
	}
	return "", false
}
