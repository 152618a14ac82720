package main

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/shyro-chat/shyro/internal/ipc"
)

// fakeDaemon listens on a socket and hands each accepted connection to fn.
func fakeDaemon(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	addr := filepath.Join(t.TempDir(), "voice.sock")
	ln, err := ipc.Listen(addr)
	if err != nil {
		t.Fatalf("listen ipc: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fn(conn)
	}()
	return addr
}

func TestVoiceIPCSendDialsLazily(t *testing.T) {
	received := make(chan ipc.Message, 1)
	addr := fakeDaemon(t, func(conn net.Conn) {
		defer conn.Close()
		var msg ipc.Message
		if err := ipc.NewDecoder(conn).Decode(&msg); err == nil {
			received <- msg
		}
	})

	v := newVoiceIPC(addr)
	if v.link != nil {
		t.Fatalf("link must not exist before first send")
	}
	if err := v.send(ipc.Message{Cmd: ipc.CommandPing}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if v.link == nil {
		t.Fatalf("expected live link after send")
	}

	select {
	case msg := <-received:
		if msg.Cmd != ipc.CommandPing {
			t.Fatalf("expected ping command, got %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for IPC message")
	}
}

func TestVoiceIPCWithoutAddr(t *testing.T) {
	v := newVoiceIPC("")
	if err := v.send(ipc.Message{Cmd: ipc.CommandPing}); !errors.Is(err, errNoVoiceAddr) {
		t.Fatalf("send error = %v, want %v", err, errNoVoiceAddr)
	}

	ch := make(chan ipc.Message, 2)
	go v.readLoop(ch)
	msg, ok := <-ch
	if !ok || msg.Event != ipc.EventError {
		t.Fatalf("expected error event, got %#v (ok=%v)", msg, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel close after error")
	}
}

func TestVoiceIPCReadLoopDropsLinkOnDisconnect(t *testing.T) {
	addr := fakeDaemon(t, func(conn net.Conn) {
		_ = ipc.NewEncoder(conn).Encode(ipc.Message{Event: ipc.EventPong})
		_ = conn.Close()
	})

	v := newVoiceIPC(addr)
	ch := make(chan ipc.Message, 4)
	go v.readLoop(ch)

	select {
	case msg := <-ch:
		if msg.Event != ipc.EventPong {
			t.Fatalf("expected pong event, got %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for pong")
	}

	select {
	case msg := <-ch:
		if msg.Event != ipc.EventError {
			t.Fatalf("expected error event after disconnect, got %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for disconnect error")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected read loop channel to be closed")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != nil {
		t.Fatalf("expected link dropped after read failure")
	}
}

func TestVoiceIPCSendEncodeErrorDropsLink(t *testing.T) {
	client, server := net.Pipe()
	_ = server.Close()

	v := &voiceIPC{addr: "in-memory"}
	v.link = &daemonLink{conn: client, enc: json.NewEncoder(client), dec: json.NewDecoder(client)}
	if err := v.send(ipc.Message{Cmd: ipc.CommandPing}); err == nil {
		t.Fatalf("expected encode error when peer is closed")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != nil {
		t.Fatalf("expected link dropped after encode failure")
	}
}

func TestVoiceIPCDropIgnoresReplacedLink(t *testing.T) {
	clientA, serverA := net.Pipe()
	clientB, serverB := net.Pipe()
	defer serverA.Close()
	defer serverB.Close()
	defer clientA.Close()
	defer clientB.Close()

	stale := &daemonLink{conn: clientA, enc: json.NewEncoder(clientA), dec: json.NewDecoder(clientA)}
	fresh := &daemonLink{conn: clientB, enc: json.NewEncoder(clientB), dec: json.NewDecoder(clientB)}
	v := &voiceIPC{addr: "in-memory", link: fresh}

	v.drop(stale)
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != fresh {
		t.Fatalf("dropping a stale link must not touch the current one")
	}
}
