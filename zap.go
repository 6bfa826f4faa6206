// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrZAPClosed      = errors.New("zap: connection closed")
	ErrZAPTimeout     = errors.New("zap: request timeout")
	ErrZAPInvalidResp = errors.New("zap: invalid response")
)

// frameType identifies ZAP frame types
type frameType uint8

const (
	frameRequest  frameType = 0x01
	frameResponse frameType = 0x02
	frameError    frameType = 0x03
	frameNotify   frameType = 0x04
)

const (
	maxFrameLen       = 64 * 1024 * 1024 // 64MB max
	zapResponseWindow = 30 * time.Second
)

// ZAPConn represents a ZAP connection for RPC
type ZAPConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> chan *ZAPResponse
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
}

// ZAPResponse holds a response from a ZAP call
type ZAPResponse struct {
	Data []byte
	Err  error
}

// ZAPDial connects to a ZAP server
func ZAPDial(ctx context.Context, addr string) (*ZAPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	zc := &ZAPConn{
		conn:     conn,
		readDone: make(chan struct{}),
	}
	go zc.readLoop()
	return zc, nil
}

// Call makes a ZAP RPC call
//
// Request frame: [4 len][1 type][4 reqID][2 methodLen][method][payload]
func (z *ZAPConn) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}

	requestID := z.nextID.Add(1)
	respCh := make(chan *ZAPResponse, 1)
	z.pending.Store(requestID, respCh)
	defer z.pending.Delete(requestID)

	header := make([]byte, 7)
	header[0] = byte(frameRequest)
	binary.BigEndian.PutUint32(header[1:5], requestID)
	binary.BigEndian.PutUint16(header[5:7], uint16(len(method)))

	if err := writeFrame(z.conn, &z.writeMu, header, []byte(method), payload); err != nil {
		return nil, fmt.Errorf("zap write: %w", err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrZAPTimeout, method)
		}
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Data, nil
	case <-z.readDone:
		return nil, ErrZAPClosed
	}
}

// Notify sends a one-way notification (no response expected)
//
// Notify frame: [4 len][1 type][2 methodLen][method][payload]
func (z *ZAPConn) Notify(ctx context.Context, method string, payload []byte) error {
	if z.closed.Load() {
		return ErrZAPClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	header := make([]byte, 3)
	header[0] = byte(frameNotify)
	binary.BigEndian.PutUint16(header[1:3], uint16(len(method)))

	return writeFrame(z.conn, &z.writeMu, header, []byte(method), payload)
}

func (z *ZAPConn) readLoop() {
	defer close(z.readDone)

	for {
		msg, err := readFrame(z.conn)
		if err != nil {
			return
		}
		if len(msg) < 5 {
			continue
		}

		requestID := binary.BigEndian.Uint32(msg[1:5])
		payload := msg[5:]

		ch, ok := z.pending.Load(requestID)
		if !ok {
			continue // caller gave up waiting
		}
		respCh := ch.(chan *ZAPResponse)

		switch frameType(msg[0]) {
		case frameResponse:
			respCh <- &ZAPResponse{Data: payload}
		case frameError:
			respCh <- &ZAPResponse{Err: errors.New(string(payload))}
		default:
			respCh <- &ZAPResponse{Err: ErrZAPInvalidResp}
		}
	}
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

// ZAPServer handles incoming ZAP RPC requests
type ZAPServer struct {
	listener net.Listener
	handler  ZAPHandler
	logger   *zap.Logger
	conns    sync.Map // net.Conn -> *sync.Mutex guarding writes
	closed   atomic.Bool
}

// ZAPHandler handles ZAP requests
type ZAPHandler interface {
	HandleZAP(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// ZAPHandlerFunc is a function adapter for ZAPHandler
type ZAPHandlerFunc func(ctx context.Context, method string, payload []byte) ([]byte, error)

func (f ZAPHandlerFunc) HandleZAP(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return f(ctx, method, payload)
}

// NewZAPServer creates a new ZAP server
func NewZAPServer(listener net.Listener, handler ZAPHandler, logger *zap.Logger) *ZAPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZAPServer{
		listener: listener,
		handler:  handler,
		logger:   logger,
	}
}

// Serve accepts connections until the server is closed
func (s *ZAPServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Debug("zap accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ZAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	s.conns.Store(conn, writeMu)
	defer s.conns.Delete(conn)

	for {
		msg, err := readFrame(conn)
		if err != nil {
			return
		}
		if len(msg) < 1 {
			continue
		}

		switch frameType(msg[0]) {
		case frameRequest:
			if len(msg) < 7 {
				continue
			}
			requestID := binary.BigEndian.Uint32(msg[1:5])
			methodLen := int(binary.BigEndian.Uint16(msg[5:7]))
			if len(msg) < 7+methodLen {
				continue
			}
			method := string(msg[7 : 7+methodLen])
			payload := msg[7+methodLen:]

			go func() {
				respData, err := s.handler.HandleZAP(ctx, method, payload)
				if err != nil {
					s.logger.Debug("zap handler failed", zap.String("method", method), zap.Error(err))
				}
				s.sendResponse(conn, writeMu, requestID, respData, err)
			}()

		case frameNotify:
			if len(msg) < 3 {
				continue
			}
			methodLen := int(binary.BigEndian.Uint16(msg[1:3]))
			if len(msg) < 3+methodLen {
				continue
			}
			method := string(msg[3 : 3+methodLen])
			payload := msg[3+methodLen:]

			go func() {
				if _, err := s.handler.HandleZAP(ctx, method, payload); err != nil {
					s.logger.Debug("zap notification failed", zap.String("method", method), zap.Error(err))
				}
			}()
		}
	}
}

// Response frame: [4 len][1 type][4 reqID][payload]
func (s *ZAPServer) sendResponse(conn net.Conn, writeMu *sync.Mutex, requestID uint32, data []byte, err error) {
	t := frameResponse
	if err != nil {
		t = frameError
		data = []byte(err.Error())
	}

	header := make([]byte, 5)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:5], requestID)

	conn.SetWriteDeadline(time.Now().Add(zapResponseWindow))
	if werr := writeFrame(conn, writeMu, header, data); werr != nil {
		s.logger.Debug("zap response write failed", zap.Uint32("request_id", requestID), zap.Error(werr))
	}
}

// Close closes the server
func (s *ZAPServer) Close() error {
	s.closed.Store(true)
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *ZAPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// writeFrame writes the concatenation of parts as a single length-prefixed
// frame.
func writeFrame(w io.Writer, mu *sync.Mutex, parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n > maxFrameLen {
		return fmt.Errorf("zap: frame of %d bytes exceeds limit", n)
	}

	buf := make([]byte, 4, 4+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	for _, p := range parts {
		buf = append(buf, p...)
	}

	mu.Lock()
	defer mu.Unlock()
	_, err := w.Write(buf)
	return err
}

// readFrame reads a single length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > maxFrameLen {
		return nil, fmt.Errorf("zap: invalid frame length %d", n)
	}

	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
