package network

import (
	"time"

	"github.com/incware/inc/pkg/shm"
)

// ServerConfig holds the flat server configuration
type ServerConfig struct {
	Name             string        // Advertised in the handshake ACK
	MaxConnections   int           // Accept limit; connections past it are closed
	EnableIOThread   bool          // Marshal dispatch onto a dedicated owner goroutine
	SharedMemorySize int           // Segment size for granted stream channels
	SharedMemoryDir  string        // Directory backing segments
	HeartbeatTimeout time.Duration // Deadline applied to PingPong operations
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:             "inc-server",
		MaxConnections:   64,
		SharedMemorySize: 1 << 20,
		SharedMemoryDir:  shm.DefaultDir(),
		HeartbeatTimeout: 5 * time.Second,
	}
}

// ClientConfig holds the flat client configuration
type ClientConfig struct {
	Name             string        // Advertised in the handshake
	EnableIOThread   bool          // Marshal dispatch onto a dedicated owner goroutine
	ConnectTimeout   time.Duration // Dial + handshake deadline
	DefaultURL       string        // Used when ConnectTo is given an empty URL
	SharedMemoryDir  string        // Directory backing segments
	HeartbeatTimeout time.Duration // Deadline applied to PingPong operations
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:             "inc-client",
		ConnectTimeout:   5 * time.Second,
		SharedMemoryDir:  shm.DefaultDir(),
		HeartbeatTimeout: 5 * time.Second,
	}
}
