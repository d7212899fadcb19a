package network

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/incware/inc/pkg/protocol"
)

// attachStream attaches a stream in the given mode and waits until the
// grant lands.
func attachStream(t *testing.T, ctx *Context, mode uint8) *Stream {
	t.Helper()

	s := ctx.NewStream()
	if !s.Attach(mode) {
		t.Fatal("Attach() returned false")
	}
	waitFor(t, 2*time.Second, "stream attach", func() bool {
		return s.State() == StreamAttached
	})
	return s
}

func TestStreamAttachWrite(t *testing.T) {
	srv, h, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	s := attachStream(t, ctx, protocol.ModeWrite)

	if s.ChannelID() == 0 {
		t.Error("ChannelID() = 0 while attached")
	}
	if !s.CanWrite() {
		t.Error("CanWrite() = false on an attached write stream")
	}

	data := []byte("bulk payload through shared memory")
	op := s.Write(0, data)
	if op == nil {
		t.Fatal("Write() returned nil on a writable stream")
	}
	if !op.Await(2 * time.Second) {
		t.Fatal("write not acknowledged")
	}
	if op.ErrorCode() != protocol.CodeOK {
		t.Fatalf("write code = %s, want OK", protocol.CodeString(op.ErrorCode()))
	}

	chunks := h.binaryChunks()
	if len(chunks) != 1 || !bytes.Equal(chunks[0], data) {
		t.Errorf("server received %d chunks: %q", len(chunks), chunks)
	}
}

func TestStreamSequentialWrites(t *testing.T) {
	srv, h, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	s := attachStream(t, ctx, protocol.ModeWrite)

	// Consecutive writes advance the logical position; the ack from the
	// previous write frees the ring for the next.
	pos := uint64(0)
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 100)
		op := s.Write(pos, chunk)
		if op == nil || !op.Await(2*time.Second) || op.ErrorCode() != protocol.CodeOK {
			t.Fatalf("write %d failed", i)
		}
		pos += uint64(len(chunk))
	}

	chunks := h.binaryChunks()
	if len(chunks) != 5 {
		t.Fatalf("server received %d chunks, want 5", len(chunks))
	}
	for i, chunk := range chunks {
		if !bytes.Equal(chunk, bytes.Repeat([]byte{byte('a' + i)}, 100)) {
			t.Errorf("chunk %d corrupted", i)
		}
	}
}

func TestStreamWriteDetached(t *testing.T) {
	srv, _, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	s := ctx.NewStream()
	if s.CanWrite() {
		t.Error("CanWrite() = true on a detached stream")
	}
	if op := s.Write(0, []byte("x")); op != nil {
		t.Error("Write() on a detached stream returned an operation")
	}
}

func TestStreamAttachInvalid(t *testing.T) {
	srv, _, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	s := ctx.NewStream()
	if s.Attach(0) {
		t.Error("Attach(0) accepted an invalid mode")
	}

	// Attach on a disconnected context fails fast.
	lone := NewContext(DefaultClientConfig())
	if lone.NewStream().Attach(protocol.ModeWrite) {
		t.Error("Attach() succeeded without a connection")
	}

	// A stream that is already attaching or attached cannot re-attach.
	if !s.Attach(protocol.ModeWrite) {
		t.Fatal("Attach() returned false")
	}
	if s.Attach(protocol.ModeWrite) {
		t.Error("second Attach() accepted while not detached")
	}
}

func TestStreamDetachIdempotent(t *testing.T) {
	srv, _, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	s := attachStream(t, ctx, protocol.ModeWrite)

	s.Detach()
	if s.State() != StreamDetached {
		t.Errorf("State() = %v after Detach, want DETACHED", s.State())
	}
	if s.ChannelID() != 0 {
		t.Errorf("ChannelID() = %d after Detach, want 0", s.ChannelID())
	}

	// Second detach is a no-op.
	s.Detach()
	if s.State() != StreamDetached {
		t.Errorf("State() = %v after second Detach", s.State())
	}

	// The server frees the channel on release.
	waitFor(t, 2*time.Second, "server channel release", func() bool {
		return srv.Stats()["open_channels"] == 0
	})

	// A detached stream can attach again.
	if !s.Attach(protocol.ModeWrite) {
		t.Error("re-Attach() after Detach returned false")
	}
	waitFor(t, 2*time.Second, "re-attach", func() bool {
		return s.State() == StreamAttached
	})
}

func TestStreamReadMode(t *testing.T) {
	srv, _, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	var mu sync.Mutex
	var got []byte
	var gotPos uint64

	s := ctx.NewStream()
	s.OnData = func(position uint64, data []byte) {
		mu.Lock()
		gotPos = position
		got = append([]byte(nil), data...)
		mu.Unlock()
	}

	if !s.Attach(protocol.ModeRead) {
		t.Fatal("Attach(read) returned false")
	}
	waitFor(t, 2*time.Second, "stream attach", func() bool {
		return s.State() == StreamAttached
	})

	if s.CanWrite() {
		t.Error("CanWrite() = true on a read-mode stream")
	}

	data := []byte("server pushed bytes")
	op := srv.WriteChannel(s.ChannelID(), 0, data)
	if !op.Await(2 * time.Second) {
		t.Fatal("server write not acknowledged")
	}
	if op.ErrorCode() != protocol.CodeOK {
		t.Fatalf("server write code = %s, want OK", protocol.CodeString(op.ErrorCode()))
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, data) {
		t.Errorf("OnData received %q, want %q", got, data)
	}
	if gotPos != 0 {
		t.Errorf("OnData position = %d, want 0", gotPos)
	}
}

func TestWriteChannelErrors(t *testing.T) {
	srv, _, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	// Unknown channel.
	op := srv.WriteChannel(12345, 0, []byte("x"))
	if op.State() != OpDone || op.ErrorCode() != protocol.CodeInvalidArgs {
		t.Errorf("unknown channel: state %v code %s", op.State(), protocol.CodeString(op.ErrorCode()))
	}

	// WriteChannel only serves read-mode channels.
	s := attachStream(t, ctx, protocol.ModeWrite)
	op = srv.WriteChannel(s.ChannelID(), 0, []byte("x"))
	if op.ErrorCode() != protocol.CodeInvalidArgs {
		t.Errorf("write-mode channel: code %s, want INVALID_ARGS", protocol.CodeString(op.ErrorCode()))
	}
}

func TestStreamStateNotifications(t *testing.T) {
	srv, _, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	var mu sync.Mutex
	var last StreamState

	s := ctx.NewStream()
	s.OnStateChanged = func(oldState, newState StreamState) {
		mu.Lock()
		last = newState
		mu.Unlock()
	}

	if !s.Attach(protocol.ModeWrite) {
		t.Fatal("Attach() returned false")
	}
	waitFor(t, 2*time.Second, "ATTACHED notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == StreamAttached
	})

	s.Detach()
	waitFor(t, 2*time.Second, "DETACHED notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == StreamDetached
	})
}

func TestContextCloseDetachesStreams(t *testing.T) {
	srv, _, url := startTestServer(t, nil)

	config := DefaultClientConfig()
	config.SharedMemoryDir = srv.config.SharedMemoryDir
	ctx := NewContext(config)
	if code := ctx.ConnectTo(url); code != protocol.CodeOK {
		t.Fatalf("ConnectTo() = %s", protocol.CodeString(code))
	}

	s := attachStream(t, ctx, protocol.ModeWrite)

	ctx.Close()

	if s.State() != StreamDetached {
		t.Errorf("State() = %v after context Close, want DETACHED", s.State())
	}
	if ctx.State() != StateTerminated {
		t.Errorf("context State() = %v, want TERMINATED", ctx.State())
	}
}

func TestStreamWriteDetachRace(t *testing.T) {
	srv, _, url := startTestServer(t, nil)
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	// Writes racing a concurrent detach must either complete or be
	// refused cleanly; the shared mapping must never be touched after
	// the detach has unmapped it.
	for i := 0; i < 25; i++ {
		s := attachStream(t, ctx, protocol.ModeWrite)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos := uint64(0)
			chunk := make([]byte, 64)
			for j := 0; j < 50; j++ {
				op := s.Write(pos, chunk)
				if op == nil {
					return // detached before the write started
				}
				if op.State() == OpDone && op.ErrorCode() != protocol.CodeOK {
					return // detached mid-write
				}
				pos += uint64(len(chunk))
			}
		}()

		s.Detach()
		wg.Wait()

		if s.State() != StreamDetached {
			t.Fatalf("iteration %d: State() = %v, want DETACHED", i, s.State())
		}
	}
}

func TestStreamWriteRingOverflow(t *testing.T) {
	srv, _, url := startTestServer(t, func(c *ServerConfig) {
		c.SharedMemorySize = 256 // 128 bytes of ring after the cursors
	})
	ctx := connectTestClient(t, url, srv.config.SharedMemoryDir)

	s := attachStream(t, ctx, protocol.ModeWrite)

	op := s.Write(0, make([]byte, 512))
	if op == nil {
		t.Fatal("Write() returned nil")
	}
	if op.State() != OpDone || op.ErrorCode() != protocol.CodeInvalidArgs {
		t.Errorf("oversized ring write: state %v code %s", op.State(), protocol.CodeString(op.ErrorCode()))
	}
}
