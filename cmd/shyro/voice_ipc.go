package main

import (
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/shyro-chat/shyro/internal/ipc"
)

var errNoVoiceAddr = errors.New("voice daemon address not configured")

// daemonLink bundles one live control-socket connection with its codec
// pair so the whole thing can be swapped out atomically on failure.
type daemonLink struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func dialDaemon(addr string) (*daemonLink, error) {
	conn, err := ipc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return &daemonLink{
		conn: conn,
		enc:  ipc.NewEncoder(conn),
		dec:  ipc.NewDecoder(conn),
	}, nil
}

// voiceIPC is the client side of the daemon's control socket. Dialing is
// lazy; any codec error drops the link so the next send reconnects.
type voiceIPC struct {
	addr string

	mu   sync.Mutex
	link *daemonLink
}

func newVoiceIPC(addr string) *voiceIPC {
	return &voiceIPC{addr: addr}
}

// acquire returns the current link, dialing the daemon if none is up.
func (v *voiceIPC) acquire() (*daemonLink, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.addr == "" {
		return nil, errNoVoiceAddr
	}
	if v.link == nil {
		link, err := dialDaemon(v.addr)
		if err != nil {
			return nil, err
		}
		v.link = link
	}
	return v.link, nil
}

// drop closes and forgets link, unless a reconnect already replaced it.
func (v *voiceIPC) drop(link *daemonLink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.link != link {
		return
	}
	_ = link.conn.Close()
	v.link = nil
}

func (v *voiceIPC) send(msg ipc.Message) error {
	link, err := v.acquire()
	if err != nil {
		return err
	}
	if err := link.enc.Encode(msg); err != nil {
		v.drop(link)
		return err
	}
	return nil
}

// readLoop feeds daemon events into ch until the link dies, then reports
// the failure as an error event and closes ch.
func (v *voiceIPC) readLoop(ch chan<- ipc.Message) {
	defer close(ch)
	link, err := v.acquire()
	if err != nil {
		ch <- ipc.Message{Event: ipc.EventError, Error: err.Error()}
		return
	}
	for {
		var msg ipc.Message
		if err := link.dec.Decode(&msg); err != nil {
			v.drop(link)
			ch <- ipc.Message{Event: ipc.EventError, Error: err.Error()}
			return
		}
		ch <- msg
	}
}
