package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"

	"github.com/cloudflare/msgtrace/store"
	"github.com/cloudflare/msgtrace/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveMetrics starts the metrics and debugging server, mirroring the
// teacher's cmd/utahfs-server/metrics.go. The /debug/key route is
// supplemented from the original Rust server's single debug GET route
// (tracing-server/src/main.rs); it lets an operator inspect one record by
// its hex-encoded, scheme-tagged store key without going through /trace.
func serveMetrics(addr, transportKey string, opts transport.Options) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/" {
			fmt.Fprintln(rw, "Hello, I'm a traceback server's metrics and debugging server! Who are you?")
		} else {
			http.NotFound(rw, req)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/key", debugKeyHandler)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	tlsCfg, err := transport.ServerConfig(transportKey, opts)
	if err != nil {
		log.Fatalf("metrics: building tls config: %v", err)
	}
	server := http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: tlsCfg,
	}
	log.Fatal(server.ListenAndServeTLS("", ""))
}

// debugBackend is set by newServer so the metrics server can share the same
// store without threading it through flags.
var debugBackend store.Backend

func debugKeyHandler(rw http.ResponseWriter, req *http.Request) {
	if debugBackend == nil {
		http.Error(rw, "store backend not ready", http.StatusServiceUnavailable)
		return
	}
	keyHex := req.URL.Query().Get("key")
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		http.Error(rw, fmt.Sprintf("bad key: %v", err), http.StatusBadRequest)
		return
	}

	data, err := debugBackend.Get(req.Context(), key)
	if err == store.ErrNotFound {
		http.NotFound(rw, req)
		return
	} else if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Write(data)
}
