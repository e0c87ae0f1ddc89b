package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/postalsys/keybridge/internal/crypto"
	"github.com/postalsys/keybridge/internal/frame"
	"github.com/postalsys/keybridge/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// channelPair stands in for a completed handshake: matching initiator and
// responder channels over a fresh pipe, plus both raw conns.
type channelPair struct {
	peerConn  net.Conn
	chPeer    *crypto.Channel
	proxyConn net.Conn
	chProxy   *crypto.Channel
}

func newChannelPair(t *testing.T) channelPair {
	t.Helper()

	privA, pubA, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}
	privB, pubB, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	secretA, err := crypto.ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH() error = %v", err)
	}
	secretB, _ := crypto.ComputeECDH(privB, pubA)

	skPeer := crypto.DeriveSessionKey(secretA, pubA, pubB, true)
	skProxy := crypto.DeriveSessionKey(secretB, pubA, pubB, false)

	peerConn, proxySide := net.Pipe()
	t.Cleanup(func() {
		peerConn.Close()
		proxySide.Close()
	})

	return channelPair{
		peerConn:  peerConn,
		chPeer:    crypto.NewChannel(peerConn, skPeer),
		proxyConn: proxySide,
		chProxy:   crypto.NewChannel(proxySide, skProxy),
	}
}

type runResult struct {
	res Result
	err error
}

func TestRun_HappyPath(t *testing.T) {
	pair := newChannelPair(t)
	chPeer := pair.chPeer

	remoteProxy, remoteServer := net.Pipe()
	t.Cleanup(func() {
		remoteProxy.Close()
		remoteServer.Close()
	})

	done := make(chan runResult, 1)
	go func() {
		res, err := Run(pair.proxyConn, pair.chProxy, remoteProxy, logging.NopLogger())
		done <- runResult{res, err}
	}()

	// Peer sends one frame; the remote server must observe exactly its
	// plaintext.
	if err := chPeer.Send([]byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := make([]byte, 5)
	remoteServer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(remoteServer, got); err != nil {
		t.Fatalf("server read error = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("server received %q, want %q", got, "hello")
	}

	// Server replies; the peer must receive one frame decrypting to it.
	if _, err := remoteServer.Write([]byte("world")); err != nil {
		t.Fatalf("server write error = %v", err)
	}

	reply, err := chPeer.Recv()
	if err != nil {
		t.Fatalf("peer Recv() error = %v", err)
	}
	if !bytes.Equal(reply, []byte("world")) {
		t.Errorf("peer received %q, want %q", reply, "world")
	}

	// Server closes; the relay exits cleanly.
	remoteServer.Close()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run() error = %v", r.err)
		}
		if r.res.BytesIn != 5 || r.res.BytesOut != 5 {
			t.Errorf("Result = %+v, want 5 bytes each way", r.res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not exit after remote close")
	}
}

func TestRun_InboundCloseExitsCleanly(t *testing.T) {
	pair := newChannelPair(t)

	remoteProxy, remoteServer := net.Pipe()
	t.Cleanup(func() {
		remoteProxy.Close()
		remoteServer.Close()
	})

	done := make(chan runResult, 1)
	go func() {
		res, err := Run(pair.proxyConn, pair.chProxy, remoteProxy, logging.NopLogger())
		done <- runResult{res, err}
	}()

	// Peer closes between frames: EndOfStream, not an error.
	pair.peerConn.Close()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run() error = %v, want clean exit", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not exit after inbound close")
	}
}

func TestRun_TamperedFrameIsFatal(t *testing.T) {
	pair := newChannelPair(t)

	remoteProxy, remoteServer := net.Pipe()
	t.Cleanup(func() {
		remoteProxy.Close()
		remoteServer.Close()
	})

	done := make(chan runResult, 1)
	go func() {
		res, err := Run(pair.proxyConn, pair.chProxy, remoteProxy, logging.NopLogger())
		done <- runResult{res, err}
	}()

	serverGot := make(chan int, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := remoteServer.Read(buf)
		serverGot <- n
	}()

	// Bypass the peer channel and write a frame whose body cannot
	// authenticate.
	if err := frame.Write(pair.peerConn, bytes.Repeat([]byte{0xAA}, 48)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case r := <-done:
		if !errors.Is(r.err, crypto.ErrAuthFailure) {
			t.Fatalf("Run() error = %v, want ErrAuthFailure", r.err)
		}
		if r.res.BytesIn != 0 {
			t.Errorf("BytesIn = %d, want 0: no tampered byte may reach the remote", r.res.BytesIn)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not exit after tampered frame")
	}

	remoteServer.Close()
	if n := <-serverGot; n != 0 {
		t.Errorf("remote observed %d bytes from a tampered frame", n)
	}
}

func TestRun_LargePayloadSplit(t *testing.T) {
	pair := newChannelPair(t)
	chPeer := pair.chPeer

	remoteProxy, remoteServer := net.Pipe()
	t.Cleanup(func() {
		remoteProxy.Close()
		remoteServer.Close()
	})

	done := make(chan runResult, 1)
	go func() {
		res, err := Run(pair.proxyConn, pair.chProxy, remoteProxy, logging.NopLogger())
		done <- runResult{res, err}
	}()

	// A server burst larger than one frame's payload arrives as multiple
	// frames, in order, without gaps.
	payload := bytes.Repeat([]byte{0x42}, crypto.MaxPayloadSize+100)
	go func() {
		remoteServer.Write(payload)
		remoteServer.Close()
	}()

	var received []byte
	for len(received) < len(payload) {
		chunk, err := chPeer.Recv()
		if err != nil {
			t.Fatalf("Recv() after %d bytes error = %v", len(received), err)
		}
		received = append(received, chunk...)
	}

	if !bytes.Equal(received, payload) {
		t.Error("reassembled payload does not match original")
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run() error = %v", r.err)
		}
		if r.res.BytesOut != uint64(len(payload)) {
			t.Errorf("BytesOut = %d, want %d", r.res.BytesOut, len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not exit")
	}
}
