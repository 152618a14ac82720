package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shyro-chat/shyro/internal/ipc"
)

func pipeClient(t *testing.T, s *ipcServer) (*uiClient, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	return s.attach(serverConn), clientConn
}

func TestUIClientSend(t *testing.T) {
	s := newIPCServer("", zerolog.Nop(), nil)
	client, remote := pipeClient(t, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.send(ipc.Message{Event: ipc.EventReady})
	}()

	var msg ipc.Message
	if err := json.NewDecoder(remote).Decode(&msg); err != nil {
		t.Fatalf("decode sent message: %v", err)
	}
	if msg.Event != ipc.EventReady {
		t.Fatalf("unexpected sent message: %#v", msg)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("uiClient.send failed: %v", err)
	}
}

func TestDispatchPaths(t *testing.T) {
	read := func(t *testing.T, remote net.Conn) ipc.Message {
		t.Helper()
		var msg ipc.Message
		if err := json.NewDecoder(remote).Decode(&msg); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return msg
	}

	t.Run("missing handler emits error", func(t *testing.T) {
		s := newIPCServer("", zerolog.Nop(), nil)
		client, remote := pipeClient(t, s)
		go s.dispatch(context.Background(), client, ipc.Message{Cmd: ipc.CommandPing})

		if msg := read(t, remote); msg.Event != ipc.EventError || msg.Error != "ipc handler unavailable" {
			t.Fatalf("unexpected error payload: %#v", msg)
		}
	})

	t.Run("handler reply is forwarded", func(t *testing.T) {
		s := newIPCServer("", zerolog.Nop(), func(context.Context, ipc.Message) (ipc.Message, error) {
			return ipc.Message{Event: ipc.EventPong}, nil
		})
		client, remote := pipeClient(t, s)
		go s.dispatch(context.Background(), client, ipc.Message{Cmd: ipc.CommandPing})

		if msg := read(t, remote); msg.Event != ipc.EventPong {
			t.Fatalf("unexpected reply payload: %#v", msg)
		}
	})

	t.Run("handler error becomes error event", func(t *testing.T) {
		s := newIPCServer("", zerolog.Nop(), func(context.Context, ipc.Message) (ipc.Message, error) {
			return ipc.Message{}, fmt.Errorf("boom")
		})
		client, remote := pipeClient(t, s)
		go s.dispatch(context.Background(), client, ipc.Message{Cmd: ipc.CommandPing})

		if msg := read(t, remote); msg.Event != ipc.EventError || msg.Error != "boom" {
			t.Fatalf("unexpected handler error payload: %#v", msg)
		}
	})
}

func TestAttachDetachAndBroadcast(t *testing.T) {
	s := newIPCServer("", zerolog.Nop(), nil)
	client, remote := pipeClient(t, s)
	if len(s.clients) != 1 || client.id == 0 {
		t.Fatalf("expected one attached client with an id, got %d (id %d)", len(s.clients), client.id)
	}

	errCh := make(chan error, 1)
	go func() {
		var msg ipc.Message
		err := json.NewDecoder(remote).Decode(&msg)
		if err == nil && msg.Event != ipc.EventVoiceState {
			err = fmt.Errorf("unexpected broadcast payload: %#v", msg)
		}
		errCh <- err
	}()

	s.Broadcast(ipc.Message{Event: ipc.EventVoiceState, State: &ipc.VoiceState{Phase: "joined"}})
	if err := <-errCh; err != nil {
		t.Fatalf("broadcast receive: %v", err)
	}

	s.detach(client)
	if len(s.clients) != 0 {
		t.Fatalf("expected no clients after detach, got %d", len(s.clients))
	}
}

func TestBroadcastSurvivesDeadClient(t *testing.T) {
	s := newIPCServer("", zerolog.Nop(), nil)
	dead, deadRemote := pipeClient(t, s)
	_ = deadRemote.Close()
	_ = dead.conn.Close()
	live, liveRemote := pipeClient(t, s)

	got := make(chan ipc.Message, 1)
	go func() {
		var msg ipc.Message
		if err := json.NewDecoder(liveRemote).Decode(&msg); err == nil {
			got <- msg
		}
	}()

	s.Broadcast(ipc.Message{Event: ipc.EventInfo})
	select {
	case msg := <-got:
		if msg.Event != ipc.EventInfo {
			t.Fatalf("unexpected broadcast payload: %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("live client %d missed the broadcast", live.id)
	}
}

func TestServeLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newIPCServer("", zerolog.Nop(), func(_ context.Context, msg ipc.Message) (ipc.Message, error) {
		if msg.Cmd == ipc.CommandPing {
			return ipc.Message{Event: ipc.EventPong}, nil
		}
		return ipc.Message{}, nil
	})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		s.serve(ctx, s.attach(serverConn))
		close(done)
	}()

	dec := json.NewDecoder(clientConn)
	enc := json.NewEncoder(clientConn)

	var ready ipc.Message
	if err := dec.Decode(&ready); err != nil {
		t.Fatalf("decode ready event: %v", err)
	}
	if ready.Event != ipc.EventReady {
		t.Fatalf("expected ready event, got %#v", ready)
	}

	if err := enc.Encode(ipc.Message{Cmd: ipc.CommandPing}); err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	var resp ipc.Message
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("decode ping response: %v", err)
	}
	if resp.Event != ipc.EventPong {
		t.Fatalf("expected pong response, got %#v", resp)
	}

	// frames without a cmd are ignored
	if err := enc.Encode(ipc.Message{Event: ipc.EventReady}); err != nil {
		t.Fatalf("encode no-op message: %v", err)
	}

	_ = clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for serve to exit")
	}

	if len(s.clients) != 0 {
		t.Fatalf("expected all clients detached after close, got %d", len(s.clients))
	}
}
