package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/registry"
)

// ErrHubStopped is returned when the hub no longer accepts clients.
var ErrHubStopped = errors.New("hub stopped")

// Handler receives connection events on the hub's loop.
type Handler interface {
	Connect(sender registry.Sender, addr string) (*registry.Conn, error)
	Dispatch(c *registry.Conn, raw []byte)
	Disconnect(c *registry.Conn)
}

type inboundFrame struct {
	client *Client
	data   []byte
}

// Hub is the relay's event loop. Client registration, unregistration,
// inbound frames and posted tasks run one at a time on the goroutine that
// calls Run, so the Handler never needs a lock.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	tasks      chan func()

	// workTimeout bounds work started with Go.
	workTimeout time.Duration

	clients map[*Client]*registry.Conn // owned by Run

	pumps  sync.WaitGroup
	work   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHub creates a hub. workTimeout bounds each Go call (default 5s).
func NewHub(workTimeout time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if workTimeout <= 0 {
		workTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan inboundFrame),
		tasks:       make(chan func()),
		workTimeout: workTimeout,
		clients:     make(map[*Client]*registry.Conn),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main event loop and returns after Shutdown. It should
// be called in its own goroutine.
func (h *Hub) Run(handler Handler) {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients(handler)
			return

		case client := <-h.register:
			conn, err := handler.Connect(client, client.addr)
			if err != nil {
				h.logger.Error("client registration failed", "addr", client.addr, "error", err)
				client.closeSend()
				client.closeConn()
				continue
			}
			h.clients[client] = conn
			h.logger.Debug("client registered", "addr", client.addr, "conn", conn.ID(), "clients", len(h.clients))

			h.pumps.Add(2)
			go func() {
				defer h.pumps.Done()
				client.writePump()
			}()
			go func() {
				defer h.pumps.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			conn, ok := h.clients[client]
			if !ok {
				continue
			}
			delete(h.clients, client)
			handler.Disconnect(conn)
			client.closeSend()
			h.logger.Debug("client unregistered", "addr", client.addr, "conn", conn.ID(), "clients", len(h.clients))

		case in := <-h.inbound:
			if conn, ok := h.clients[in.client]; ok {
				handler.Dispatch(conn, in.data)
			}

		case fn := <-h.tasks:
			fn()
		}
	}
}

// Register hands a freshly upgraded client to the loop.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

func (h *Hub) deliver(client *Client, data []byte) bool {
	select {
	case h.inbound <- inboundFrame{client: client, data: data}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Post queues fn on the loop. It blocks until fn is queued and reports false
// when ctx ends first or the hub has stopped. Post must not be called from
// the loop with a context that never ends.
func (h *Hub) Post(ctx context.Context, fn func()) bool {
	select {
	case h.tasks <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-h.ctx.Done():
		return false
	}
}

// Go runs work on its own goroutine with a context bounded by the hub's work
// timeout. The continuation work returns, if any, is posted back to the loop.
// Work outlives Shutdown's cancellation so in-flight writes can finish.
func (h *Hub) Go(work func(ctx context.Context) func()) {
	h.work.Add(1)
	go func() {
		defer h.work.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), h.workTimeout)
		next := work(ctx)
		cancel()
		if next == nil {
			return
		}
		if !h.Post(context.Background(), next) {
			h.logger.Debug("dropping continuation after shutdown")
		}
	}()
}

// Do runs fn on the loop and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !h.Post(ctx, func() {
		defer close(finished)
		fn()
	}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrHubStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdownClients disconnects every client through the handler and closes
// its socket. Runs on the loop.
func (h *Hub) shutdownClients(handler Handler) {
	h.logger.Info("shutting down client connections", "clients", len(h.clients))

	for client, conn := range h.clients {
		handler.Disconnect(conn)
		client.closeSend()
		client.closeConn()
		delete(h.clients, client)
	}
}

// Shutdown stops the loop and waits for client pumps and in-flight work to
// finish, or for the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		h.work.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }
