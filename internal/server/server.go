package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/basinrelay/smtptunnel/internal/auth"
	"github.com/basinrelay/smtptunnel/internal/handshake"
	"github.com/basinrelay/smtptunnel/internal/metrics"
	"github.com/basinrelay/smtptunnel/internal/tunnel"
)

// ErrServerClosed is returned by Serve/ListenAndServe after a call to
// Shutdown, matching the sentinel the teacher's internal/smtpd exposes.
var ErrServerClosed = errors.New("server: server closed")

// Server accepts tunnel connections, performs the SMTP-disguised handshake
// on each, and runs the resulting session's frame dispatch loop. Its
// accept/shutdown/wait lifecycle mirrors internal/smtpd.Server, adapted
// from a mail-delivery server to a tunnel multiplexer.
//
//nolint:govet
type Server struct {
	Hostname  string
	TLSConfig *tls.Config
	Users     map[string]auth.User

	Tracer  trace.Tracer
	Metrics *metrics.Registry

	// RateLimiter bounds CONNECT dial attempts server-wide, shared by every
	// session this Server accepts.
	RateLimiter *rate.Limiter

	HandshakeTimeout time.Duration

	mu         sync.Mutex
	doneChan   chan struct{}
	listener   *net.Listener
	waitgrp    sync.WaitGroup
	inShutdown atomic.Bool
}

// ListenAndServe listens on addr and serves incoming tunnel connections
// until ctx is cancelled or Shutdown is called.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	if srv.shuttingDown() {
		return ErrServerClosed
	}

	lc := net.ListenConfig{}
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is cancelled or Shutdown is
// called.
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	if srv.shuttingDown() {
		return ErrServerClosed
	}

	l = &onceCloseListener{Listener: l}
	defer l.Close()

	srv.mu.Lock()
	srv.listener = &l
	srv.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(true)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var ne net.Error
			if ok := errors.As(err, &ne); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			return err
		}

		srv.waitgrp.Add(1)
		go func() {
			defer srv.waitgrp.Done()
			srv.handleConn(ctx, conn)
		}()
	}
}

func (srv *Server) handshakeTimeout() time.Duration {
	if srv.HandshakeTimeout > 0 {
		return srv.HandshakeTimeout
	}
	return 60 * time.Second
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log.Printf("server: accepted session from %s", conn.RemoteAddr())

	res, err := handshake.ServerHandshake(ctx, conn, handshake.ServerConfig{
		Hostname:    srv.Hostname,
		TLSConfig:   srv.TLSConfig,
		Users:       srv.Users,
		ReadTimeout: srv.handshakeTimeout(),
	})
	if err != nil {
		if errors.Is(err, tunnel.ErrAuthFailed) && srv.Metrics != nil {
			srv.Metrics.AuthFailures.Inc()
		}
		log.Printf("server: session from %s ended before authentication: %v", conn.RemoteAddr(), err)
		return
	}

	logActivity := true
	if user, ok := srv.Users[res.Username]; ok {
		logActivity = user.Logging
	}
	log.Printf("server: authenticated user=%s peer=%s", res.Username, conn.RemoteAddr())

	sess := tunnel.NewSession(res.Conn, srv.Tracer, srv.Metrics)
	sess.Username = res.Username
	sess.LogActivity = logActivity
	d := Dispatcher{Limiter: srv.RateLimiter, Metrics: srv.Metrics}
	_ = sess.Run(ctx, d)
	sess.Shutdown()

	if logActivity {
		log.Printf("server: session ended user=%s peer=%s", res.Username, conn.RemoteAddr())
	}
}

// Shutdown closes the listener, preventing new connections, and optionally
// waits for in-flight sessions to finish.
func (srv *Server) Shutdown(wait bool) error {
	var lnerr error
	srv.inShutdown.Store(true)

	srv.mu.Lock()
	if srv.listener != nil {
		lnerr = (*srv.listener).Close()
	}
	srv.closeDoneChanLocked()
	srv.mu.Unlock()

	if wait {
		srv.waitgrp.Wait()
	}
	return lnerr
}

func (srv *Server) shuttingDown() bool {
	return srv.inShutdown.Load()
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() { oc.closeErr = oc.Listener.Close() }
