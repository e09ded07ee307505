package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scottidler/loopr/internal/domain/event"
	"github.com/scottidler/loopr/internal/infrastructure/eventbus"
	"github.com/scottidler/loopr/pkg/safego"
)

// maxLineBytes bounds one request line, guarding against a client that
// never sends a newline.
const maxLineBytes = 4 * 1024 * 1024

// Handler answers one method call. A non-nil ErrorObject short-circuits
// a successful result.
type Handler func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject)

// Router dispatches a Request to the Handler registered for its method.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds method to h, replacing any prior registration.
func (r *Router) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Handle routes req to its handler and builds the Response. An unknown
// method yields ErrCodeMethodUnknown.
func (r *Router) Handle(ctx context.Context, clientID string, req Request) Response {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return newError(req.ID, ErrCodeMethodUnknown, "unknown method: "+req.Method)
	}
	result, errObj := h(ctx, clientID, req.Params)
	if errObj != nil {
		return Response{ID: req.ID, Error: errObj}
	}
	return newResult(req.ID, result)
}

// Server listens on a Unix domain socket and services one connection
// per client, each reading newline-delimited Requests and writing
// newline-delimited Responses and Events. Grounded in the teacher's
// Hub (register/unregister/broadcast channels) generalized from
// gorilla/websocket framing onto raw net.Conn framing.
type Server struct {
	socketPath  string
	router      *Router
	broadcaster *eventbus.Broadcaster
	logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer constructs a Server. Events published on broadcaster are
// fanned out to every connected client via its own subscription.
func NewServer(socketPath string, router *Router, broadcaster *eventbus.Broadcaster, logger *zap.Logger) *Server {
	return &Server{socketPath: socketPath, router: router, broadcaster: broadcaster, logger: logger}
}

// Serve binds the socket and accepts connections until ctx is done or
// Close is called. A stale socket file left behind by a prior crashed
// process is removed before binding.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	safego.Go(s.logger, "ipc-ctx-watch", func() {
		<-ctx.Done()
		_ = ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		safego.Go(s.logger, "ipc-conn", func() {
			s.handleConn(ctx, conn)
		})
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	clientID := uuid.NewString()
	notify, drain := s.broadcaster.Subscribe(clientID)
	defer s.broadcaster.Unsubscribe(clientID)
	defer conn.Close()

	out := make(chan []byte, 256)
	done := make(chan struct{})

	safego.Go(s.logger, "ipc-writer:"+clientID, func() {
		writer := bufio.NewWriter(conn)
		for {
			select {
			case data, ok := <-out:
				if !ok {
					return
				}
				writer.Write(data)
				writer.WriteByte('\n')
				writer.Flush()
			case <-done:
				return
			}
		}
	})

	safego.Go(s.logger, "ipc-events:"+clientID, func() {
		for {
			select {
			case _, ok := <-notify:
				if !ok {
					return
				}
				for _, ev := range drain() {
					line, err := json.Marshal(toEventMessage(ev))
					if err != nil {
						continue
					}
					select {
					case out <- line:
					case <-done:
						return
					}
				}
			case <-done:
				return
			}
		}
	})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := newError(0, ErrCodeParse, "malformed request: "+err.Error())
			s.write(out, resp)
			continue
		}
		resp := s.router.Handle(ctx, clientID, req)
		s.write(out, resp)
	}

	close(done)
	close(out)
}

func (s *Server) write(out chan []byte, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	out <- data
}

func toEventMessage(ev event.Event) EventMessage {
	return EventMessage{Event: string(ev.Topic), Data: map[string]interface{}{
		"id":                ev.ID,
		"loop_id":           ev.LoopID,
		"payload":           ev.Payload,
		"created_at_millis": ev.CreatedAtMillis,
	}}
}
