// Command traceback-server accepts forwarded-message reports from clients
// and reconstructs traceback paths and trees from them.
//
// It is meant to be deployed centrally, reachable only by clients that hold
// the pre-shared transport key.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/cloudflare/msgtrace/cmd/internal/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := flag.String("cfg", "./msgtrace.yaml", "Location of the server's config file.")
	flag.Parse()

	cfg, err := config.ServerFromFile(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	httpServer, err := newServer(cfg)
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	go serveMetrics(cfg.MetricsAddr, cfg.TransportKey, cfg.TransportOptions())

	log.Printf("traceback server listening on %v", cfg.ListenAddr)
	log.Fatal(httpServer.ListenAndServeTLS("", ""))
}
