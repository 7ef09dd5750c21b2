package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cloudflare/msgtrace/cmd/internal/config"
	"github.com/cloudflare/msgtrace/store"
	"github.com/cloudflare/msgtrace/tracepath"
	"github.com/cloudflare/msgtrace/transport"
	"github.com/cloudflare/msgtrace/wire"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type tracebackServer struct {
	backend store.Backend

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit float64
	rateBurst int
}

// newServer builds the *http.Server that exposes POST /process and
// POST /trace behind mutual TLS, mirroring the teacher's
// persistent.NewRemoteServer wrapping pattern.
func newServer(cfg *config.Server) (*http.Server, error) {
	backend, err := cfg.StoreBackend.Backend()
	if err != nil {
		return nil, fmt.Errorf("server: building store backend: %w", err)
	}

	tlsCfg, err := transport.ServerConfig(cfg.TransportKey, cfg.TransportOptions())
	if err != nil {
		return nil, fmt.Errorf("server: building tls config: %w", err)
	}

	ts := &tracebackServer{
		backend:   backend,
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: cfg.RateLimitPerSecond,
		rateBurst: cfg.RateLimitBurst,
	}
	debugBackend = backend

	mux := http.NewServeMux()
	mux.Handle("/process", ts.withMiddleware(ts.handleProcess))
	mux.Handle("/trace", ts.withMiddleware(ts.handleTrace))

	return &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   mux,
		TLSConfig: tlsCfg,
	}, nil
}

// limiterFor returns the token bucket for a remote address, creating one on
// first use. Each client gets its own bucket so one noisy client can't
// starve another's traceback requests.
func (ts *tracebackServer) limiterFor(addr string) *rate.Limiter {
	ts.limiterMu.Lock()
	defer ts.limiterMu.Unlock()

	l, ok := ts.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(ts.rateLimit), ts.rateBurst)
		ts.limiters[addr] = l
	}
	return l
}

// withMiddleware wraps a handler with request-correlation logging and
// per-client rate limiting.
func (ts *tracebackServer) withMiddleware(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()

		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if !ts.limiterFor(host).Allow() {
			log.Printf("[%s] rate limited: %s %s", reqID, req.Method, req.URL.Path)
			writeError(rw, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
			return
		}

		rw.Header().Set("X-Request-Id", reqID)
		next(rw, req)
		log.Printf("[%s] %s %s from %s in %s", reqID, req.Method, req.URL.Path, host, time.Since(start))
	})
}

func writeError(rw http.ResponseWriter, status int, err error) {
	rw.Header().Set("Content-Type", wire.Codec.ContentType())
	rw.WriteHeader(status)
	body, _ := wire.Codec.Marshal(wire.ErrorResponse{Error: err.Error()})
	rw.Write(body)
}

func writeJSON(rw http.ResponseWriter, v any) {
	body, err := wire.Codec.Marshal(v)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	rw.Header().Set("Content-Type", wire.Codec.ContentType())
	rw.Write(body)
}

func decodeBody[T any](req *http.Request) (T, error) {
	var v T
	defer req.Body.Close()
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return v, fmt.Errorf("reading request body: %w", err)
	}
	if err := wire.Codec.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding request body: %w", err)
	}
	return v, nil
}

func (ts *tracebackServer) handleProcess(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(rw, req)
		return
	}
	body, err := decodeBody[wire.ProcessRequest](req)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	switch body.Scheme {
	case wire.SchemePath:
		ts.handleProcessPath(req.Context(), rw, body)
	case wire.SchemeTree:
		ts.handleProcessTree(req.Context(), rw, body)
	default:
		writeError(rw, http.StatusBadRequest, fmt.Errorf("unknown scheme %q", body.Scheme))
	}
}

func (ts *tracebackServer) handleProcessPath(ctx context.Context, rw http.ResponseWriter, body wire.ProcessRequest) {
	var tag tracepath.SenderTag
	copy(tag.Addr[:], body.PathAddr)
	copy(tag.CT[:], body.PathCT)

	recTag, ok, err := tracepath.SvrProcess(ctx, ts.backend, tag, body.SID, body.RID)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	resp := wire.ProcessResponse{Written: ok}
	if ok {
		resp.PathAddr = recTag.Addr[:]
	}
	writeJSON(rw, resp)
}

func (ts *tracebackServer) handleTrace(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(rw, req)
		return
	}
	body, err := decodeBody[wire.TraceRequest](req)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	switch body.Scheme {
	case wire.SchemePath:
		ts.handleTracePath(req.Context(), rw, body)
	case wire.SchemeTree:
		ts.handleTraceTree(req.Context(), rw, body)
	default:
		writeError(rw, http.StatusBadRequest, fmt.Errorf("unknown scheme %q", body.Scheme))
	}
}

