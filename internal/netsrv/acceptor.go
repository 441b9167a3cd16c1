package netsrv

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nvecd/nvecd/internal/metrics"
	"github.com/nvecd/nvecd/internal/pool"
)

// ConnContext is the per-connection mutable state: the debug toggle and the
// peer address. Nothing else persists between requests.
type ConnContext struct {
	DebugMode  bool
	RemoteAddr string
}

// DispatchFunc turns one protocol line into one response payload (without
// the trailing CRLF; the handler appends it).
type DispatchFunc func(line string, cc *ConnContext) string

// Options configures the acceptor.
type Options struct {
	Bind           string
	Port           int
	MaxConnections int
	RecvTimeout    time.Duration
	MaxQueryLength int
	AllowCIDRs     []string
	Pool           *pool.Pool
	Dispatch       DispatchFunc
	Logger         *zap.Logger
	Metrics        metrics.Sink
}

// Acceptor owns the listening socket, the admission checks, and the set of
// live connections.
type Acceptor struct {
	listener net.Listener
	cidrs    *CIDRList
	pool     *pool.Pool
	dispatch DispatchFunc

	bind           string
	port           int
	maxConns       int
	recvTimeout    time.Duration
	maxQueryLength int

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	active   atomic.Int64
	stopping atomic.Bool
	wg       sync.WaitGroup

	log  *zap.Logger
	sink metrics.Sink

	// OnConnect/OnDisconnect feed the server-level connection counters.
	OnConnect    func()
	OnDisconnect func()
}

// NewAcceptor validates options and prepares an acceptor; Start binds the
// socket.
func NewAcceptor(opts Options) (*Acceptor, error) {
	if opts.Pool == nil || opts.Dispatch == nil {
		return nil, errors.New("netsrv: pool and dispatch are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = time.Second
	}
	if opts.MaxQueryLength < 1 {
		opts.MaxQueryLength = 1 << 20
	}
	return &Acceptor{
		cidrs:          ParseCIDRList(opts.AllowCIDRs, opts.Logger),
		pool:           opts.Pool,
		dispatch:       opts.Dispatch,
		maxConns:       opts.MaxConnections,
		recvTimeout:    opts.RecvTimeout,
		maxQueryLength: opts.MaxQueryLength,
		conns:          make(map[net.Conn]struct{}),
		log:            opts.Logger.With(zap.String("component", "acceptor")),
		sink:           opts.Metrics,
		bind:           opts.Bind,
		port:           opts.Port,
	}, nil
}

// Start binds the socket and launches the accept loop. Port 0 asks the OS
// for a free port; Addr reports the bound address.
func (a *Acceptor) Start() error {
	if a.listener != nil {
		return errors.New("netsrv: already running")
	}
	addr := fmt.Sprintf("%s:%d", a.bind, a.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("netsrv: bind %s: %w", addr, err)
	}
	a.listener = ln
	a.log.Info("listening", zap.String("addr", ln.Addr().String()),
		zap.Int("allow_cidrs", a.cidrs.Len()))

	a.wg.Add(1)
	go a.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (a *Acceptor) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ActiveConnections reports the number of live client connections.
func (a *Acceptor) ActiveConnections() int { return int(a.active.Load()) }

// Stop closes the listener to unblock accept, joins the accept goroutine,
// and closes every tracked connection.
func (a *Acceptor) Stop() {
	if !a.stopping.CompareAndSwap(false, true) {
		return
	}
	if a.listener != nil {
		a.listener.Close()
	}
	a.wg.Wait()

	a.mu.Lock()
	for conn := range a.conns {
		// Shut the read side first so a blocked handler wakes, then close.
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseRead()
		}
		conn.Close()
	}
	a.mu.Unlock()
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.stopping.Load() {
				return
			}
			a.log.Warn("accept failed", zap.Error(err))
			continue
		}

		if int(a.active.Load()) >= a.maxConns {
			a.log.Warn("connection limit reached; refusing",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max_connections", a.maxConns))
			a.sink.IncConnRejected()
			conn.Close()
			continue
		}

		ip := remoteIP(conn)
		if !a.cidrs.Allowed(ip) {
			a.log.Warn("connection denied by CIDR admission",
				zap.String("remote", conn.RemoteAddr().String()))
			a.sink.IncConnRejected()
			conn.Close()
			continue
		}

		a.tuneConn(conn)
		a.track(conn)

		c := conn
		submitted := a.pool.Submit(func() {
			defer a.untrack(c)
			a.handleConn(c)
		})
		if !submitted {
			a.log.Warn("pool refused connection; closing",
				zap.String("remote", conn.RemoteAddr().String()))
			a.sink.IncConnRejected()
			a.untrack(conn)
			conn.Close()
		}
	}
}

func (a *Acceptor) tuneConn(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
	tc.SetReadBuffer(64 << 10)
	tc.SetWriteBuffer(64 << 10)
}

func (a *Acceptor) track(conn net.Conn) {
	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()
	a.active.Add(1)
	a.sink.IncConnAccepted()
	a.sink.SetConnActive(int(a.active.Load()))
	if a.OnConnect != nil {
		a.OnConnect()
	}
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	_, present := a.conns[conn]
	delete(a.conns, conn)
	a.mu.Unlock()
	if !present {
		return
	}
	a.active.Add(-1)
	a.sink.SetConnActive(int(a.active.Load()))
	if a.OnDisconnect != nil {
		a.OnDisconnect()
	}
}

func remoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
