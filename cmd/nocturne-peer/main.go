// cmd/nocturne-peer/main.go
//
// nocturne-peer runs one node of the Nocturne-Chord backup network: a
// Chord ring member serving BACKUP/RESTORE/DELETE/RECLAIM for files
// handed to it over its local HTTP/WebSocket facade.
//
// Usage:
//
//	nocturne-peer start [--listen addr] [--http addr] [--bootstrap addr] [--root dir]
//	nocturne-peer status [--root dir]
//	nocturne-peer stop [--root dir]
//
// Each flag falls back to an environment variable when unset: --root to
// NOCTURNE_ROOT, --listen to NOCTURNE_LISTEN, --http to NOCTURNE_HTTP,
// --bootstrap to NOCTURNE_BOOTSTRAP, --capacity to NOCTURNE_CAPACITY.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nocturne-chord/peer/internal/chord"
	"github.com/nocturne-chord/peer/internal/facade"
	"github.com/nocturne-chord/peer/internal/peerstate"
	"github.com/nocturne-chord/peer/internal/protocol"
	"github.com/nocturne-chord/peer/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "stop":
		cmdStop(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: nocturne-peer <command> [flags]

Commands:
  start     Join the ring and start serving BACKUP/RESTORE/DELETE/RECLAIM
  status    Check if the peer is running
  stop      Stop the running peer

Run 'nocturne-peer <command> --help' for details on each command.
`)
}

func resolveDataDir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return envOr("NOCTURNE_ROOT", "./data")
}

func ensureDataDir(explicit string) string {
	dir := resolveDataDir(explicit)
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}
	return dir
}

// envOr returns the environment variable's value, or fallback if unset,
// per spec.md §6's NOCTURNE_* variables with flag overrides.
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envOrInt64(name string, fallback int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func cmdStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	root := fs.String("root", envOr("NOCTURNE_ROOT", "./data"), "storage root directory")
	listen := fs.String("listen", envOr("NOCTURNE_LISTEN", "127.0.0.1:9090"), "Chord/protocol listen address")
	httpAddr := fs.String("http", envOr("NOCTURNE_HTTP", "127.0.0.1:8080"), "façade HTTP listen address")
	bootstrap := fs.String("bootstrap", envOr("NOCTURNE_BOOTSTRAP", ""), "address of an existing ring member to join through")
	capacity := fs.Int64("capacity", envOrInt64("NOCTURNE_CAPACITY", 64*1024*1024), "default storage capacity in bytes")
	fs.Parse(args) //nolint:errcheck

	dir := ensureDataDir(*root)

	self := chord.PeerRef{Address: *listen, GUID: chord.HashGUID(*listen)}

	tp, err := transport.New(transport.SenderRef{Address: *listen, GUID: uint32(self.GUID)})
	if err != nil {
		log.Fatalf("Create transport: %v", err)
	}

	ring := chord.New(self, tp, chord.DefaultStabilizeInterval)

	store, err := peerstate.Open(dir, self.GUID, *capacity)
	if err != nil {
		log.Fatalf("Open peer state: %v", err)
	}
	defer store.Close()

	restoreDir := filepath.Join(dir, "restored")
	if err := os.MkdirAll(restoreDir, 0700); err != nil {
		log.Fatalf("Create restore directory: %v", err)
	}

	hub := facade.NewNotificationHub()
	engine := protocol.New(ring, tp, store, restoreDir, hub.Notify)

	if _, err := tp.Listen(*listen, engine.Handler()); err != nil {
		log.Fatalf("Listen on %s: %v", *listen, err)
	}

	var bootstrapPeer chord.PeerRef
	if *bootstrap != "" {
		bootstrapPeer = chord.PeerRef{Address: *bootstrap, GUID: chord.HashGUID(*bootstrap)}
	}
	if err := ring.Join(bootstrapPeer); err != nil {
		log.Fatalf("Join ring: %v", err)
	}
	ring.Start()
	defer ring.Stop()

	pidPath := filepath.Join(dir, "peer.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		log.Fatalf("Write PID file: %v", err)
	}
	defer os.Remove(pidPath)

	apiFile := filepath.Join(dir, "peer.api")
	if err := os.WriteFile(apiFile, []byte(*httpAddr), 0600); err != nil {
		log.Fatalf("Write API address file: %v", err)
	}
	defer os.Remove(apiFile)

	apiServer := &http.Server{Addr: *httpAddr, Handler: facade.New(engine, hub)}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	fmt.Printf("nocturne-peer started\n")
	fmt.Printf("  GUID:    %d\n", self.GUID)
	fmt.Printf("  Chord:   %s\n", *listen)
	fmt.Printf("  API:     http://%s\n", *httpAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	apiServer.Shutdown(ctx) //nolint:errcheck
	tp.Close()              //nolint:errcheck
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	root := fs.String("root", "", "storage root directory (default NOCTURNE_ROOT or ./data)")
	fs.Parse(args) //nolint:errcheck

	dir := resolveDataDir(*root)

	pid, ok := readRunningPID(dir)
	if !ok {
		fmt.Println("peer not running")
		return
	}

	apiPath := filepath.Join(dir, "peer.api")
	apiData, err := os.ReadFile(apiPath)
	if err != nil {
		fmt.Printf("peer running (PID %d) but API address unknown\n", pid)
		return
	}
	fmt.Printf("peer running (PID %d), API at http://%s\n", pid, strings.TrimSpace(string(apiData)))
}

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	root := fs.String("root", "", "storage root directory (default NOCTURNE_ROOT or ./data)")
	fs.Parse(args) //nolint:errcheck

	dir := resolveDataDir(*root)
	pidPath := filepath.Join(dir, "peer.pid")

	pid, ok := readRunningPID(dir)
	if !ok {
		fmt.Println("peer not running")
		os.Remove(pidPath) //nolint:errcheck
		return
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Println("peer not running")
		os.Remove(pidPath) //nolint:errcheck
		return
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Printf("failed to stop peer (PID %d): %v\n", pid, err)
		os.Remove(pidPath) //nolint:errcheck
		return
	}

	os.Remove(pidPath) //nolint:errcheck
	fmt.Printf("peer stopped (PID %d)\n", pid)
}

// readRunningPID reads dir's peer.pid file and checks that the process is
// still alive, per the teacher's cmdStatus/cmdStop PID-file convention.
func readRunningPID(dir string) (int, bool) {
	pidData, err := os.ReadFile(filepath.Join(dir, "peer.pid"))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}
