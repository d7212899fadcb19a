package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/incware/inc/pkg/api"
	"github.com/incware/inc/pkg/journal"
	"github.com/incware/inc/pkg/network"
	"github.com/incware/inc/pkg/protocol"
)

const defaultPort = 9090

var (
	port        = flag.Int("port", defaultPort, "Port to listen on")
	name        = flag.String("name", "incd", "Server name advertised to clients")
	maxConns    = flag.Int("max-conns", 64, "Maximum concurrent connections")
	ioThread    = flag.Bool("io-thread", false, "Run socket I/O on a dedicated thread")
	shmSize     = flag.Int("shm-size", 1<<20, "Shared memory segment size for stream channels")
	apiPort     = flag.Int("api-port", 0, "Admin API port (0 = disabled)")
	journalPath = flag.String("journal", "", "Path to event journal database (empty = disabled)")
)

// echoHandler answers every method call with its own arguments and
// every stream write with an echo event. Useful for smoke tests and as
// a handler example.
type echoHandler struct {
	server *network.Server
}

func (h *echoHandler) HandleMethod(conn *network.Connection, seqNum uint32, name []byte, version uint16, args []byte) {
	h.server.SendMethodReply(conn, seqNum, protocol.CodeOK, args)
}

func (h *echoHandler) HandleBinaryData(conn *network.Connection, channelID uint32, seqNum uint32, position uint64, data []byte) {
	log.Printf("Channel %d: %d bytes at position %d", channelID, len(data), position)
}

func main() {
	flag.Parse()

	printBanner()

	config := network.ServerConfig{
		Name:             *name,
		MaxConnections:   *maxConns,
		EnableIOThread:   *ioThread,
		SharedMemorySize: *shmSize,
	}

	handler := &echoHandler{}
	server := network.NewServer(config, handler)
	handler.server = server

	var j *journal.EventJournal
	if *journalPath != "" {
		var err error
		j, err = journal.Open(*journalPath)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer j.Close()
		server.AttachJournal(j)
		log.Printf("Event journal attached: %s", *journalPath)
	}

	url := fmt.Sprintf("tcp://0.0.0.0:%d", *port)
	if code := server.ListenOn(url); code != protocol.CodeOK {
		log.Fatalf("Failed to listen on %s: %s", url, protocol.CodeString(code))
	}

	var admin *api.Server
	if *apiPort > 0 {
		apiConfig := api.DefaultConfig()
		apiConfig.Port = *apiPort
		admin = api.NewServer(server, j, apiConfig)
		if err := admin.Start(); err != nil {
			log.Fatalf("Failed to start admin API: %v", err)
		}
		log.Printf("Admin API listening on :%d", *apiPort)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		admin.Stop(ctx)
		cancel()
	}
	server.Close()
}

func printBanner() {
	fmt.Println("==================================")
	fmt.Printf(" INC server v%d.%d\n", protocol.ProtocolVersion>>8, protocol.ProtocolVersion&0xFF)
	fmt.Println("==================================")
}
