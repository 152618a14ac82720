package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shyro-chat/shyro/internal/ipc"
)

// commandHandler turns one UI command into an optional direct reply.
type commandHandler func(ctx context.Context, msg ipc.Message) (ipc.Message, error)

// uiClient is one attached UI process. Writes are serialized per client so
// broadcasts and direct replies never interleave mid-frame.
type uiClient struct {
	id   uint64
	conn net.Conn

	mu  sync.Mutex
	enc *json.Encoder
}

func (c *uiClient) send(msg ipc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(msg)
}

// ipcServer accepts UI connections on the control socket, dispatches their
// commands and fans daemon events out to every attached client.
type ipcServer struct {
	addr   string
	log    zerolog.Logger
	handle commandHandler

	mu      sync.Mutex
	ln      net.Listener
	nextID  uint64
	clients map[uint64]*uiClient
}

func newIPCServer(addr string, log zerolog.Logger, handler commandHandler) *ipcServer {
	return &ipcServer{
		addr:    addr,
		log:     log,
		handle:  handler,
		clients: make(map[uint64]*uiClient),
	}
}

func (s *ipcServer) Run(ctx context.Context) error {
	ln, err := ipc.Listen(s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serve(ctx, s.attach(conn))
	}
}

func (s *ipcServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	for _, client := range s.clients {
		_ = client.conn.Close()
	}
	s.clients = make(map[uint64]*uiClient)
	return nil
}

// Broadcast pushes msg to every attached UI. A dead client only fails its
// own send.
func (s *ipcServer) Broadcast(msg ipc.Message) {
	for _, client := range s.snapshot() {
		if err := client.send(msg); err != nil {
			s.log.Debug().Err(err).Uint64("client", client.id).Msg("broadcast failed")
		}
	}
}

func (s *ipcServer) snapshot() []*uiClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*uiClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients
}

func (s *ipcServer) attach(conn net.Conn) *uiClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	client := &uiClient{id: s.nextID, conn: conn, enc: ipc.NewEncoder(conn)}
	if s.clients == nil {
		s.clients = make(map[uint64]*uiClient)
	}
	s.clients[client.id] = client
	return client
}

func (s *ipcServer) detach(client *uiClient) {
	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	_ = client.conn.Close()
}

// serve owns the read side of one client until it disconnects.
func (s *ipcServer) serve(ctx context.Context, client *uiClient) {
	defer s.detach(client)

	_ = client.send(ipc.Message{Event: ipc.EventReady})

	dec := ipc.NewDecoder(client.conn)
	for {
		var msg ipc.Message
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Uint64("client", client.id).Msg("ipc decode error")
			}
			return
		}
		if msg.Cmd == "" {
			continue
		}
		s.dispatch(ctx, client, msg)
	}
}

func (s *ipcServer) dispatch(ctx context.Context, client *uiClient, msg ipc.Message) {
	if s.handle == nil {
		_ = client.send(ipc.Message{Event: ipc.EventError, Error: "ipc handler unavailable"})
		return
	}
	reply, err := s.handle(ctx, msg)
	if err != nil {
		_ = client.send(ipc.Message{Event: ipc.EventError, Error: err.Error()})
		return
	}
	if reply.Event == "" {
		return
	}
	_ = client.send(reply)
}
