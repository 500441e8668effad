package transport

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const ticketScheme = "Ticket "

// Options tune a WebSocket transport.
type Options struct {
	Logger       *log.Logger
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
	Incoming     int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 3 * o.PingInterval
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Incoming <= 0 {
		o.Incoming = 64
	}
	return o
}

// WebSocket carries binary messages over a gorilla websocket connection
// and keeps it alive with ping/pong.
type WebSocket struct {
	conn   *websocket.Conn
	opts   Options
	states *stateFeed

	incoming chan []byte
	readErr  error

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	w := &WebSocket{
		conn:     conn,
		opts:     opts,
		states:   newStateFeed(),
		incoming: make(chan []byte, opts.Incoming),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	w.states.publish(Connected)
	go w.readLoop()
	go w.pingLoop()
	return w
}

func (w *WebSocket) readLoop() {
	defer close(w.incoming)
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.readErr = io.EOF
			} else {
				w.readErr = fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
			w.states.publish(Disconnected)
			return
		}
		if mt != websocket.BinaryMessage {
			w.opts.Logger.Printf("[transport] discarding non-binary message (type %d)", mt)
			continue
		}
		// Any traffic proves liveness.
		_ = w.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
		select {
		case w.incoming <- data:
		case <-w.done:
			w.readErr = ErrDisconnected
			return
		}
	}
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.opts.WriteWait)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.opts.Logger.Printf("[transport] ping failed: %v", err)
				return
			}
		}
	}
}

// Send writes msg as one binary frame.
func (w *WebSocket) Send(ctx context.Context, msg []byte) error {
	select {
	case <-w.done:
		return ErrDisconnected
	default:
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Now().Add(w.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Receive returns the next binary message.
func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-w.incoming:
		if !ok {
			return nil, w.readErr
		}
		return data, nil
	case <-w.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// States reports connection changes.
func (w *WebSocket) States() <-chan State {
	return w.states.ch
}

// Close sends a normal close frame and releases the connection.
func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.opts.WriteWait))
		err = w.conn.Close()
		w.states.publish(Disconnected)
	})
	return err
}

// DialOptions configure Dial.
type DialOptions struct {
	Options
	// Ticket is forwarded unchanged in the Authorization header.
	Ticket     []byte
	MaxElapsed time.Duration
	MaxTries   uint
}

// Dial connects to a listening peer, retrying with exponential backoff.
// Rejections by the peer (4xx) are not retried.
func Dial(ctx context.Context, url string, opts DialOptions) (*WebSocket, error) {
	o := opts.Options.withDefaults()
	header := http.Header{}
	if len(opts.Ticket) > 0 {
		header.Set("Authorization", ticketScheme+base64.StdEncoding.EncodeToString(opts.Ticket))
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	operation := func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("peer rejected link: %s", resp.Status))
			}
			return nil, err
		}
		return conn, nil
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.Logger.Printf("[transport] dial %s failed, retrying in %s: %v", url, next, err)
		}),
	}
	if opts.MaxTries > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(opts.MaxTries))
	}

	conn, err := backoff.Retry(ctx, operation, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return newWebSocket(conn, o), nil
}

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Listener accepts exactly one peer over HTTP upgrade.
type Listener struct {
	ln       net.Listener
	srv      *http.Server
	opts     Options
	ticket   []byte
	upgrader websocket.Upgrader
	taken    atomic.Bool
	conns    chan *WebSocket
	closed   chan struct{}
	once     sync.Once
}

// Listen starts serving on addr. When ticket is non-empty only a peer
// presenting the same ticket is accepted.
func Listen(addr string, ticket []byte, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &Listener{
		ln:     ln,
		opts:   opts.withDefaults(),
		ticket: ticket,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:  make(chan *WebSocket, 1),
		closed: make(chan struct{}),
	}
	l.srv = &http.Server{Handler: l, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.opts.Logger.Printf("[transport] listener stopped: %v", err)
		}
	}()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// ServeHTTP upgrades the first authorized request.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(l.ticket) > 0 && !l.checkTicket(r) {
		http.Error(w, "invalid ticket", http.StatusUnauthorized)
		return
	}
	if !l.taken.CompareAndSwap(false, true) {
		http.Error(w, "peer already linked", http.StatusConflict)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.opts.Logger.Printf("[transport] upgrade failed for %s: %v", r.RemoteAddr, err)
		l.taken.Store(false)
		return
	}
	l.conns <- newWebSocket(conn, l.opts)
}

func (l *Listener) checkTicket(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, ticketScheme) {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, ticketScheme))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, l.ticket) == 1
}

// Accept waits for the peer.
func (l *Listener) Accept(ctx context.Context) (*WebSocket, error) {
	select {
	case ws := <-l.conns:
		return ws, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting. Accepted connections stay open.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}
