package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"analysisd/core"
	"analysisd/metrics"
	"analysisd/util/goroutine"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTCPConnections is the default maximum number of concurrent TCP connections
	DefaultMaxTCPConnections = 1000
	// DefaultMaxConnectionsPerIP is the default maximum number of concurrent connections per IP
	DefaultMaxConnectionsPerIP = 10

	maxMessageSize = 1024 * 1024
	idleTimeout    = 5 * time.Minute
)

// Sink receives every decoded event. A returned error drops the event.
type Sink func(*core.Event) error

// Config describes a listener.
type Config struct {
	Protocol string // "tcp" or "udp"
	Addr     string
	Format   string // FormatJSON or FormatMsgpack
	// RateLimit caps accepted events per second, 0 means unlimited
	RateLimit           int
	MaxConnections      int
	MaxConnectionsPerIP int
}

// Listener accepts decoded events over TCP or UDP. JSON input is one object
// per line (per datagram over UDP); msgpack input is a stream of maps.
type Listener struct {
	cfg     Config
	decode  DecodeFunc
	limiter *rate.Limiter
	sink    Sink
	logger  *zap.SugaredLogger

	udpConn     net.PacketConn
	tcpListener net.Listener

	connSemaphore chan struct{}
	mu            sync.Mutex
	ipConnections map[string]int
	conns         map[net.Conn]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener validates cfg and prepares a listener. Nothing is bound until Start.
func NewListener(cfg Config, sink Sink, logger *zap.SugaredLogger) (*Listener, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	switch cfg.Protocol {
	case "tcp", "udp":
	default:
		return nil, fmt.Errorf("invalid protocol %q: must be tcp or udp", cfg.Protocol)
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.Addr, err)
	}
	decode, err := DecoderFor(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxTCPConnections
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = DefaultMaxConnectionsPerIP
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}

	l := &Listener{
		cfg:           cfg,
		decode:        decode,
		sink:          sink,
		logger:        logger,
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
		ipConnections: make(map[string]int),
		conns:         make(map[net.Conn]struct{}),
		stopCh:        make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	return l, nil
}

// Start binds the socket and serves it in the background.
func (l *Listener) Start() error {
	switch l.cfg.Protocol {
	case "udp":
		conn, err := net.ListenPacket("udp", l.cfg.Addr)
		if err != nil {
			return fmt.Errorf("failed to start UDP listener: %w", err)
		}
		l.udpConn = conn
		l.wg.Add(1)
		goroutine.Go("ingest-udp", l.logger, func() {
			defer l.wg.Done()
			l.serveUDP()
		})
	default:
		ln, err := net.Listen("tcp", l.cfg.Addr)
		if err != nil {
			return fmt.Errorf("failed to start TCP listener: %w", err)
		}
		l.tcpListener = ln
		l.wg.Add(1)
		goroutine.Go("ingest-tcp", l.logger, func() {
			defer l.wg.Done()
			l.serveTCP()
		})
	}
	l.logger.Infow("Event listener started",
		"protocol", l.cfg.Protocol,
		"addr", l.Addr().String(),
		"format", l.cfg.Format,
		"rate_limit", l.cfg.RateLimit)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.udpConn != nil {
		return l.udpConn.LocalAddr()
	}
	if l.tcpListener != nil {
		return l.tcpListener.Addr()
	}
	return nil
}

// Stop closes the socket and every open connection, then waits for the
// handlers to return. Safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.udpConn != nil {
			_ = l.udpConn.Close()
		}
		if l.tcpListener != nil {
			_ = l.tcpListener.Close()
		}
		l.mu.Lock()
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
	})
	l.wg.Wait()
}

func (l *Listener) stopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// process decodes one message and passes it to the sink.
func (l *Listener) process(raw []byte, source string) {
	ev, err := l.decode(raw)
	if err != nil {
		metrics.IngestEvents.WithLabelValues(l.cfg.Protocol, "malformed").Inc()
		l.logger.Warnw("Skipping malformed event", "source", source, "error", err)
		return
	}
	l.deliver(ev, source)
}

func (l *Listener) deliver(ev *core.Event, source string) {
	if l.limiter != nil && !l.limiter.Allow() {
		metrics.IngestEvents.WithLabelValues(l.cfg.Protocol, "rate_limited").Inc()
		l.logger.Debugw("Rate limit exceeded, dropping event", "source", source)
		return
	}
	if ev.Location == "" {
		ev.Location = source
	}
	if err := l.sink(ev); err != nil {
		metrics.IngestEvents.WithLabelValues(l.cfg.Protocol, "dropped").Inc()
		l.logger.Warnw("Event dropped", "source", source, "event_id", ev.EventID, "error", err)
		return
	}
	metrics.IngestEvents.WithLabelValues(l.cfg.Protocol, "accepted").Inc()
}

func (l *Listener) serveUDP() {
	buffer := make([]byte, 65536)
	for {
		n, addr, err := l.udpConn.ReadFrom(buffer)
		if err != nil {
			if l.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Errorw("UDP read error", "error", err)
			continue
		}
		raw := bytes.TrimSpace(buffer[:n])
		if len(raw) == 0 {
			continue
		}
		l.process(append([]byte(nil), raw...), hostOf(addr.String()))
	}
}

func (l *Listener) serveTCP() {
	for {
		conn, err := l.tcpListener.Accept()
		if err != nil {
			if l.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Errorw("TCP accept error", "error", err)
			continue
		}

		ip := hostOf(conn.RemoteAddr().String())
		if !l.admit(conn, ip) {
			continue
		}
		l.wg.Add(1)
		goroutine.Go("ingest-tcp-conn", l.logger, func() {
			defer l.wg.Done()
			defer l.release(conn, ip)
			l.handleConn(conn, ip)
		})
	}
}

// admit reserves a connection slot for ip, closing conn when none is free.
func (l *Listener) admit(conn net.Conn, ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopping() {
		_ = conn.Close()
		return false
	}
	if l.ipConnections[ip] >= l.cfg.MaxConnectionsPerIP {
		l.logger.Warnw("Per-IP connection limit exceeded, rejecting connection",
			"ip", ip, "limit", l.cfg.MaxConnectionsPerIP)
		metrics.TCPConnectionsRejected.Inc()
		_ = conn.Close()
		return false
	}
	select {
	case l.connSemaphore <- struct{}{}:
	default:
		l.logger.Warnw("TCP connection pool full, rejecting connection",
			"ip", ip, "limit", l.cfg.MaxConnections)
		metrics.TCPConnectionsRejected.Inc()
		_ = conn.Close()
		return false
	}
	l.ipConnections[ip]++
	l.conns[conn] = struct{}{}
	metrics.TCPConnectionsActive.Inc()
	return true
}

func (l *Listener) release(conn net.Conn, ip string) {
	_ = conn.Close()
	<-l.connSemaphore
	metrics.TCPConnectionsActive.Dec()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
	l.ipConnections[ip]--
	if l.ipConnections[ip] <= 0 {
		delete(l.ipConnections, ip)
	}
}

func (l *Listener) handleConn(conn net.Conn, ip string) {
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))

	if l.cfg.Format == FormatMsgpack {
		l.readMsgpackStream(conn, ip)
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) > 0 {
			l.process(append([]byte(nil), line...), ip)
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
	if err := scanner.Err(); err != nil && !l.stopping() && !errors.Is(err, net.ErrClosed) {
		l.logger.Warnw("TCP read error", "ip", ip, "error", err)
	}
}

// readMsgpackStream decodes maps back to back until the peer closes. A decode
// error ends the connection since the stream cannot be resynchronized.
func (l *Listener) readMsgpackStream(conn net.Conn, ip string) {
	dec := msgpack.NewDecoder(bufio.NewReader(conn))
	dec.SetCustomStructTag("json")
	for {
		var ev core.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) || l.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.IngestEvents.WithLabelValues(l.cfg.Protocol, "malformed").Inc()
			l.logger.Warnw("Closing msgpack stream after malformed event", "ip", ip, "error", err)
			return
		}
		l.deliver(normalize(&ev), ip)
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
