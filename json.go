// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	rpc "github.com/gorilla/rpc/v2/json2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	maxRetries    = 3
	retryBaseWait = 100 * time.Millisecond

	jsonEndpoint = "/rpc"
	jsonMethod   = "Worker.Handle"
)

// JSONRequest carries a raw call over JSON-RPC.
type JSONRequest struct {
	Method  string `json:"method"`
	Payload []byte `json:"payload,omitempty"`
}

// JSONReply carries the raw response to a JSONRequest.
type JSONReply struct {
	Payload []byte `json:"payload,omitempty"`
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports whether err happened before the request could
// have reached the server. Calls are not idempotent, so anything else is
// surfaced to the caller.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "connection refused")
}

// SendJSONRequest issues a JSON-RPC 2.0 request and decodes the reply.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
) error {
	requestBodyBytes, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	client := newHTTPClient()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 100ms, 200ms
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			uri.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		// Return an error for any non successful status code
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		CleanlyCloseBody(resp.Body)
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// dialJSON creates a JSON-RPC peer. No connection is made until the first
// call.
func dialJSON(_ context.Context, addr string, _ *dialOptions) (Peer, error) {
	uri, err := url.Parse("http://" + addr + jsonEndpoint)
	if err != nil {
		return nil, fmt.Errorf("json dial: %w", err)
	}
	return &jsonPeer{uri: uri}, nil
}

type jsonPeer struct {
	uri *url.URL
}

func (p *jsonPeer) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var reply JSONReply
	if err := SendJSONRequest(ctx, p.uri, jsonMethod, &JSONRequest{method, payload}, &reply); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	return reply.Payload, nil
}

func (p *jsonPeer) Notify(ctx context.Context, method string, payload []byte) error {
	_, err := p.CallRaw(ctx, method, payload)
	return err
}

func (p *jsonPeer) Close() error {
	return nil
}

// listenJSON binds a JSON-RPC server.
func listenJSON(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &jsonServer{
		listener: listener,
		logger:   o.logger,
		handlers: make(map[string]RawHandler),
	}

	rpcServer := gorillarpc.NewServer()
	rpcServer.RegisterCodec(rpc.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&JSONService{s}, "Worker"); err != nil {
		listener.Close()
		return nil, fmt.Errorf("json listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(jsonEndpoint, rpcServer)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

type jsonServer struct {
	listener net.Listener
	logger   *zap.Logger
	http     *http.Server

	mu       sync.RWMutex
	handlers map[string]RawHandler
}

func (s *jsonServer) RegisterRaw(method string, handler RawHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	return nil
}

func (s *jsonServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.http.Close() })
	defer stop()

	if err := s.http.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *jsonServer) Close() error {
	err := s.http.Close()
	if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) {
		err = multierr.Append(err, lerr)
	}
	return err
}

func (s *jsonServer) Addr() string {
	return s.listener.Addr().String()
}

// JSONService is the gorilla/rpc service exposing the raw handlers registered
// on a JSON server as Worker.Handle.
type JSONService struct {
	server *jsonServer
}

// Handle dispatches args to the handler registered for args.Method.
func (svc *JSONService) Handle(r *http.Request, args *JSONRequest, reply *JSONReply) error {
	svc.server.mu.RLock()
	handler, ok := svc.server.handlers[args.Method]
	svc.server.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown method: %s", args.Method)
	}

	payload, err := handler(r.Context(), args.Payload)
	if err != nil {
		svc.server.logger.Debug("json handler failed", zap.String("method", args.Method), zap.Error(err))
		return err
	}
	reply.Payload = payload
	return nil
}
