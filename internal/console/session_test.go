package console

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func pipeSession(t *testing.T, opts Options) (*Session, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	opts.Host = "localhost"
	if opts.Port == 0 {
		opts.Port = 4444
	}
	opts.Dialer = func(string, string, time.Duration) (net.Conn, error) {
		return client, nil
	}

	session, err := NewSession(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	session.conn = client
	return session, server
}

func serve(t *testing.T, conn net.Conn, data string) {
	t.Helper()
	go func() {
		if _, err := conn.Write([]byte(data)); err != nil {
			t.Errorf("serve write: %v", err)
		}
	}()
}

func TestReadUntilReturnsFrameAndRetainsSurplus(t *testing.T) {
	session, server := pipeSession(t, Options{})

	serve(t, server, "target halted\n>surplus")

	frame, err := session.ReadUntil(Prompt, time.Second)
	if err != nil {
		t.Fatalf("read until: %v", err)
	}
	if string(frame) != "target halted\n>" {
		t.Fatalf("frame = %q", frame)
	}
	if string(session.buffer) != "surplus" {
		t.Fatalf("buffer = %q, want surplus retained", session.buffer)
	}
}

func TestReadUntilServesSecondFrameFromBuffer(t *testing.T) {
	session, server := pipeSession(t, Options{})

	serve(t, server, "first>second>")

	frame, err := session.ReadUntil(Prompt, time.Second)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(frame) != "first>" {
		t.Fatalf("first frame = %q", frame)
	}

	frame, err = session.ReadUntil(Prompt, time.Second)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if string(frame) != "second>" {
		t.Fatalf("second frame = %q", frame)
	}
}

func TestReadUntilTimeoutDiscardsPartialFrame(t *testing.T) {
	session, server := pipeSession(t, Options{})

	serve(t, server, "no prompt yet")

	partial, err := session.ReadUntil(Prompt, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("read until: %v", err)
	}
	if string(partial) != "no prompt yet" {
		t.Fatalf("partial = %q", partial)
	}
	if len(session.buffer) != 0 {
		t.Fatalf("buffer = %q, want cleared after timeout", session.buffer)
	}

	// The late remainder must not be prefixed with the dropped bytes.
	serve(t, server, "ok>")
	frame, err := session.ReadUntil(Prompt, time.Second)
	if err != nil {
		t.Fatalf("follow-up read: %v", err)
	}
	if string(frame) != "ok>" {
		t.Fatalf("follow-up frame = %q", frame)
	}
}

func TestReadUntilPreservePartialKeepsBytesForNextRead(t *testing.T) {
	session, server := pipeSession(t, Options{PreservePartial: true})

	serve(t, server, "slow resp")

	partial, err := session.ReadUntil(Prompt, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("read until: %v", err)
	}
	if string(partial) != "slow resp" {
		t.Fatalf("partial = %q", partial)
	}

	serve(t, server, "onse>")
	frame, err := session.ReadUntil(Prompt, time.Second)
	if err != nil {
		t.Fatalf("follow-up read: %v", err)
	}
	if string(frame) != "slow response>" {
		t.Fatalf("follow-up frame = %q", frame)
	}
}

func TestReadUntilPeerCloseReturnsAccumulated(t *testing.T) {
	session, server := pipeSession(t, Options{})

	go func() {
		_, _ = server.Write([]byte("going down"))
		_ = server.Close()
	}()

	partial, err := session.ReadUntil(Prompt, time.Second)
	if err != nil {
		t.Fatalf("read until: %v", err)
	}
	if string(partial) != "going down" {
		t.Fatalf("partial = %q", partial)
	}
}

func TestSendLineAppendsNewline(t *testing.T) {
	session, server := pipeSession(t, Options{})

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		got <- string(buf[:n])
	}()

	if err := session.SendLine("reset halt"); err != nil {
		t.Fatalf("send line: %v", err)
	}
	if line := <-got; line != "reset halt\n" {
		t.Fatalf("wire bytes = %q", line)
	}
}

func TestSendLineRequiresConnection(t *testing.T) {
	session, err := NewSession(Options{Port: 4444})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.SendLine("halt"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectPrimesBannerAndIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	dials := 0
	session, err := NewSession(Options{
		Port: 4444,
		Dialer: func(string, string, time.Duration) (net.Conn, error) {
			dials++
			return client, nil
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	go func() {
		_, _ = server.Write([]byte("Open On-Chip Debugger\n>"))
	}()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !session.Connected() {
		t.Fatal("session not marked connected")
	}
	if len(session.buffer) != 0 {
		t.Fatalf("banner residue in buffer: %q", session.buffer)
	}

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1 (idempotent connect)", dials)
	}
}

func TestConnectFailureLeavesSessionDisconnected(t *testing.T) {
	session, err := NewSession(Options{
		Port:           4444,
		ConnectTimeout: 200 * time.Millisecond,
		Dialer: func(string, string, time.Duration) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	if err := session.Connect(context.Background()); err == nil {
		t.Fatal("connect succeeded against refusing dialer")
	}
	if session.Connected() {
		t.Fatal("session marked connected after failure")
	}
	if session.conn != nil {
		t.Fatal("connection handle not released after failure")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	session, server := pipeSession(t, Options{})
	_ = server

	session.connected = true
	session.Disconnect()
	if session.Connected() || session.conn != nil || session.buffer != nil {
		t.Fatal("disconnect did not clear session state")
	}

	session.Disconnect()
}
