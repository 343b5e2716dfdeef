// Package server implements C6, spec.md §4.7: the TCP accept loop, global
// and per-client connection caps, idle/parse/transaction timeouts, and
// graceful shutdown with a drain deadline.
//
// Grounded on intra-sh-icap/server.go's conn/Server/Serve shape (bufio
// reader/writer per connection, one goroutine per accepted connection,
// panic recovery via runtime/debug.Stack) and
// ppomes-TokenShield/icap-server-go/main.go's simpler Start/handleConnection
// accept loop; the connection caps, idle/parse/transaction deadlines, and
// graceful drain are spec-driven additions neither teacher enforces.
package server

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenshield/icap/internal/audit"
	"github.com/tokenshield/icap/internal/config"
	"github.com/tokenshield/icap/internal/filters/bufpool"
	"github.com/tokenshield/icap/internal/icaperr"
	"github.com/tokenshield/icap/internal/icapmsg"
	"github.com/tokenshield/icap/internal/icaptypes"
	"github.com/tokenshield/icap/internal/metrics"
	"github.com/tokenshield/icap/internal/pipeline"
	"github.com/tokenshield/icap/internal/transaction"
)

// Server is one ICAP listener with its connection caps, filter pipeline,
// audit sink, and metrics registry.
type Server struct {
	cfg      config.Config
	istag    string
	pipeline *pipeline.Pipeline
	audit    audit.Sink
	metrics  *metrics.Registry
	logger   *slog.Logger
	bufs     *bufpool.Pool

	listener net.Listener
	wg       sync.WaitGroup

	mu        sync.Mutex
	perClient map[string]int
	conns     map[net.Conn]struct{}

	activeConns  int64
	shuttingDown atomic.Bool
}

// New builds a Server. stages is the ordered filter chain the pipeline runs;
// the server owns its own *pipeline.Pipeline built from it so the ISTag can
// be derived from the same stage list (Q3: spec.md §9).
func New(cfg config.Config, stages []pipeline.Stage, sink audit.Sink, reg *metrics.Registry, logger *slog.Logger) *Server {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if reg == nil {
		reg = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		istag:     deriveISTag(cfg, stages),
		pipeline:  pipeline.New(stages, cfg.MaxBodyBytes),
		audit:     sink,
		metrics:   reg,
		logger:    logger,
		bufs:      bufpool.New(),
		perClient: make(map[string]int),
		conns:     make(map[net.Conn]struct{}),
	}
}

// deriveISTag implements Q3: a config override wins; otherwise the ISTag is
// a SHA-256 fingerprint of the ordered stage names plus the service name,
// stable for the server's lifetime and changing only when the filter chain
// or the service name does; other config values do not enter the hash
// (spec.md §4.3 invariant 4 / P6).
func deriveISTag(cfg config.Config, stages []pipeline.Stage) string {
	if cfg.ISTag != "" {
		return cfg.ISTag
	}
	h := sha256.New()
	io.WriteString(h, cfg.Service)
	for _, s := range stages {
		h.Write([]byte{0})
		io.WriteString(h, s.Name())
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ListenAndServe binds cfg.Listen and accepts connections until Shutdown is
// called or Accept returns a non-transient error.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l, dispatching one goroutine per connection.
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	defer l.Close()
	s.logger.Info("icap server listening", "addr", l.Addr().String(), "istag", s.istag)

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Warn("accept error", "err", err)
			return err
		}
		if !s.admit(conn) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// transactions to drain, up to cfg.ShutdownGrace, then force-closes whatever
// remains (spec.md §4.7).
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.forceCloseAll()
		return ctx.Err()
	case <-timer.C:
		s.forceCloseAll()
		return errors.New("shutdown grace period exceeded; remaining connections force-closed")
	}
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) admit(conn net.Conn) bool {
	ip := clientIP(conn)

	s.mu.Lock()
	overGlobal := atomic.LoadInt64(&s.activeConns) >= int64(max1(s.cfg.MaxConnections))
	overClient := s.perClient[ip] >= max1(s.cfg.MaxConnectionsPerClient)
	if overGlobal || overClient {
		s.mu.Unlock()
		s.metrics.ConnectionRejected()
		s.rejectOverCap(conn)
		return false
	}
	s.perClient[ip]++
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	atomic.AddInt64(&s.activeConns, 1)
	s.metrics.ConnectionAccepted()
	return true
}

func (s *Server) release(conn net.Conn, ip string) {
	s.mu.Lock()
	if n := s.perClient[ip]; n <= 1 {
		delete(s.perClient, ip)
	} else {
		s.perClient[ip] = n - 1
	}
	delete(s.conns, conn)
	s.mu.Unlock()

	atomic.AddInt64(&s.activeConns, -1)
	s.metrics.ConnectionClosed()
}

// rejectOverCap sends 503 only if the client completes a full request
// before the read timeout, per spec.md §4.7; otherwise it just closes,
// matching "over-cap accepts are closed immediately after sending (only if
// the client has sent a full request) a 503".
func (s *Server) rejectOverCap(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
	br := bufio.NewReaderSize(conn, s.cfg.MaxHeaderBytes+4096)
	if _, _, err := s.readRequestHeader(br); err != nil {
		return
	}
	resp, err := icapmsg.BuildServiceUnavailable(s.istag, int(s.cfg.ShutdownGrace.Seconds()))
	if err != nil {
		return
	}
	icapmsg.WriteTo(conn, resp)
}

// handleConn implements the per-connection loop of spec.md §4.7: read ->
// parse -> run transaction -> write response -> loop unless Connection:
// close or a transport error occurred.
func (s *Server) handleConn(conn net.Conn) {
	ip := clientIP(conn)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic serving connection", "remote", ip, "panic", r, "stack", string(debug.Stack()))
		}
		conn.Close()
		s.release(conn, ip)
	}()

	br := bufio.NewReaderSize(conn, s.cfg.MaxHeaderBytes+4096)

	for {
		if s.shuttingDown.Load() {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		req, bytesIn, err := s.readRequestHeader(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.writeTimeoutOrParseError(conn, err)
			return
		}
		req.RemoteAddr = conn.RemoteAddr().String()

		conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TransactionDeadline)
		start := time.Now()
		resp, txErr := transaction.Run(ctx, req, br, conn, s.pipeline, s.txnConfig())
		cancel()
		duration := time.Since(start)

		if txErr != nil {
			resp = s.errorResponse(txErr)
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
		bytesOut, werr := s.writeCounting(conn, resp)

		s.metrics.ProcessingDuration(duration.Nanoseconds())
		s.metrics.TransactionCompleted(string(req.Method), resp.Status.Code)
		s.metrics.BytesIn(int64(bytesIn))
		s.metrics.BytesOut(int64(bytesOut))
		s.audit.Record(audit.Record{
			RemoteAddr: req.RemoteAddr,
			Method:     string(req.Method),
			Service:    s.cfg.Service,
			BytesIn:    int64(bytesIn),
			BytesOut:   int64(bytesOut),
			Status:     resp.Status.Code,
			Duration:   duration,
			Timestamp:  start,
		})

		if werr != nil {
			return
		}
		if shouldClose(req.Headers) {
			return
		}
	}
}

func (s *Server) txnConfig() transaction.Config {
	return transaction.Config{
		ISTag:             s.istag,
		Methods:           []icaptypes.Method{icaptypes.MethodReqmod, icaptypes.MethodRespmod, icaptypes.MethodOptions},
		Service:           s.cfg.Service,
		MaxConnections:    s.cfg.MaxConnections,
		OptionsTTLSeconds: int(s.cfg.ConnectionTimeout.Seconds()),
		PreviewBytes:      s.cfg.PreviewSize,
		MaxChunkBytes:     s.cfg.MaxChunkBytes,
		ForceOKOnAllow:    s.cfg.ForceOKOnAllow,
		Logger:            s.logger,
	}
}

func (s *Server) errorResponse(err error) *icaptypes.Response {
	status := icaperr.ToStatus(err)
	resp, buildErr := icapmsg.Build(icapmsg.ResponseSpec{
		Status: icaptypes.NewStatus(status, ""),
		ISTag:  s.istag,
	})
	if buildErr != nil {
		return &icaptypes.Response{
			Status:       icaptypes.NewStatus(500, ""),
			Version:      icaptypes.V10,
			Headers:      icaptypes.NewHeaders(),
			Encapsulated: icaptypes.NullBodyTable(),
		}
	}
	return resp
}

// writeTimeoutOrParseError responds 408 on a read timeout/deadline and, on
// any other parse failure, with the status icaperr.ToStatus maps the error
// to, if the connection can still take a write.
func (s *Server) writeTimeoutOrParseError(conn net.Conn, err error) {
	var netErr net.Error
	status := 400
	if errors.As(err, &netErr) && netErr.Timeout() {
		status = 408
	} else {
		status = icaperr.ToStatus(err)
	}
	resp, berr := icapmsg.Build(icapmsg.ResponseSpec{Status: icaptypes.NewStatus(status, ""), ISTag: s.istag})
	if berr != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	icapmsg.WriteTo(conn, resp)
}

// readRequestHeader accumulates bytes off br one at a time, re-attempting
// icapmsg.ParseRequest after each, until a full header block parses or a
// genuine error (I/O, timeout, ErrHeaderTooLarge) occurs. Mirrors
// internal/transaction/feed.go's decoderFeed.Next: br is already a
// *bufio.Reader, so ReadByte only turns into a real syscall once per
// refill, not once per call. This intentionally never asks for more bytes
// than the header actually needs — unlike a single br.Peek(maxHeaderBytes),
// which blocks until either maxHeaderBytes bytes arrive or the read
// deadline fires, stalling every transaction behind a full
// ConnectionTimeout even though the header is a few hundred bytes. C2
// (icapmsg.ParseRequest) stays pure-buffer; this is the only place that
// adapts it to a streaming net.Conn.
func (s *Server) readRequestHeader(br *bufio.Reader) (*icaptypes.Request, int, error) {
	maxHeaderBytes := s.cfg.MaxHeaderBytes
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = icapmsg.DefaultMaxHeaderBytes
	}

	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, 0, err
		}
		buf = append(buf, b)

		req, consumed, perr := icapmsg.ParseRequest(buf, maxHeaderBytes)
		if perr == nil {
			return req, consumed, nil
		}
		if !errors.Is(perr, icapmsg.ErrNeedMore) {
			return nil, 0, perr
		}
	}
}

// writeCounting serializes resp into a pooled buffer and writes it in one
// call, returning the number of bytes written for metrics/audit accounting.
func (s *Server) writeCounting(w io.Writer, resp *icaptypes.Response) (int, error) {
	buf := s.bufs.Get()
	defer s.bufs.Put(buf)

	if err := icapmsg.WriteTo(buf, resp); err != nil {
		return 0, err
	}
	n, err := w.Write(buf.Bytes())
	return n, err
}

func shouldClose(h *icaptypes.Headers) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Connection")), "close")
}

func clientIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
