// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bearer wraps the reliable byte-stream transports a Plexer sits on
// top of: a TCP connection for node-to-node peers, a Unix domain socket for
// node-to-client. A Bearer does not interpret the bytes it carries.
package bearer

import (
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

// Closed is returned by Read/Write once the Bearer has been closed, either
// locally or by the peer.
type Closed struct{}

func (Closed) Error() string { return "bearer: closed" }

func newError(format string, args ...any) error {
	return errors.Errorf("bearer: "+format, args...)
}

// Bearer is a reliable bidirectional byte stream. It does not frame or
// interpret the bytes that cross it; that is the Plexer's job.
type Bearer struct {
	id   string
	conn net.Conn
}

// ID is a short correlation identifier for logging, distinct from any
// address the Bearer happens to be connected to.
func (b *Bearer) ID() string { return b.id }

func wrap(conn net.Conn) *Bearer {
	return &Bearer{id: uuid.New().String(), conn: conn}
}

// ReadExact reads exactly len(buf) bytes, or returns an error. A partial
// read followed by EOF is reported as Closed, matching the rest of this
// package's "no silent truncation" contract.
func (b *Bearer) ReadExact(buf []byte) error {
	_, err := io.ReadFull(b.conn, buf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Closed{}
	default:
		return newError("read: %v", err)
	}
}

// WriteAll writes every byte of b or returns an error; it never writes a
// partial frame on success.
func (b *Bearer) WriteAll(buf []byte) error {
	_, err := b.conn.Write(buf)
	if err != nil {
		return newError("write: %v", err)
	}
	return nil
}

// Close closes the underlying connection. It is idempotent from the
// Plexer's point of view: callers should call it exactly once, but a
// double-close only returns an error, it never panics.
func (b *Bearer) Close() error {
	return b.conn.Close()
}

// SetDeadline forwards to the underlying net.Conn when callers need to
// layer their own timeouts around pump I/O, per the core's no-timeouts
// design (spec §5).
func (b *Bearer) SetDeadline(t time.Time) error {
	return b.conn.SetDeadline(t)
}

func (b *Bearer) LocalAddr() net.Addr  { return b.conn.LocalAddr() }
func (b *Bearer) RemoteAddr() net.Addr { return b.conn.RemoteAddr() }

// ConnectTCP dials a node-to-node peer.
func ConnectTCP(addr string) (*Bearer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, newError("dial tcp %s: %v", addr, err)
	}
	return wrap(conn), nil
}

// ListenTCP binds addr and, when maxInflight is positive, wraps the
// listener once with golang.org/x/net/netutil's inflight-connection
// limiter — the same limiter the ambient HTTP server would reach for — so
// a flood of half-open dials cannot starve the process of file
// descriptors before a Plexer ever sees them. The returned listener must
// be reused across every AcceptTCP call in the loop that owns it: wrapping
// per-call instead would start a fresh semaphore at zero on every Accept
// and never actually bound concurrency.
func ListenTCP(addr string, maxInflight int) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newError("listen tcp %s: %v", addr, err)
	}
	if maxInflight > 0 {
		l = netutil.LimitListener(l, maxInflight)
	}
	return l, nil
}

// AcceptTCP accepts a single inbound node-to-node connection from
// listener. Callers wanting an inflight-connection bound should build
// listener once with ListenTCP and call AcceptTCP on it in a loop.
func AcceptTCP(listener net.Listener) (*Bearer, net.Addr, error) {
	conn, err := listener.Accept()
	if err != nil {
		return nil, nil, newError("accept tcp: %v", err)
	}
	return wrap(conn), conn.RemoteAddr(), nil
}

// ConnectUnix dials a node-to-client peer over a local stream socket.
func ConnectUnix(path string) (*Bearer, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, newError("dial unix %s: %v", path, err)
	}
	return wrap(conn), nil
}

// AcceptUnix accepts a single inbound node-to-client connection.
func AcceptUnix(listener net.Listener) (*Bearer, net.Addr, error) {
	conn, err := listener.Accept()
	if err != nil {
		return nil, nil, newError("accept unix: %v", err)
	}
	return wrap(conn), conn.RemoteAddr(), nil
}

// ListenUnix is a small convenience around net.Listen("unix", path), mirroring
// the accept/connect-only surface spec §4.1 specifies (binding is a caller
// concern outside the core, but the demo CLI and tests need somewhere to
// call it from).
func ListenUnix(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}
