package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"alwaysok/internal/config"
	"alwaysok/internal/metrics"
)

// CertificateSource selects the certificate for a handshake.
type CertificateSource interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// Server runs the plain and TLS listeners in front of the always-OK handler.
type Server struct {
	httpSrv *http.Server
	tlsSrv  *http.Server
	cfg     *config.Config
	log     logrus.FieldLogger
	stats   *metrics.Aggregator

	ready    chan struct{}
	addrs    [2]net.Addr
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewServer(cfg *config.Config, log logrus.FieldLogger, certs CertificateSource, stats *metrics.Aggregator) (*Server, error) {
	s := &Server{cfg: cfg, log: log, stats: stats, ready: make(chan struct{}), stopped: make(chan struct{})}
	handler := s.Handler()

	if cfg.Listen != "" {
		s.httpSrv = s.newHTTPServer(cfg.Listen, handler)
	}
	if cfg.ListenTLS != "" {
		s.tlsSrv = s.newHTTPServer(cfg.ListenTLS, handler)
		s.tlsSrv.TLSConfig = &tls.Config{
			GetCertificate: certs.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		if err := http2.ConfigureServer(s.tlsSrv, &http2.Server{}); err != nil {
			return nil, err
		}
	}
	if s.httpSrv == nil && s.tlsSrv == nil {
		return nil, errors.New("no listen address configured")
	}
	return s, nil
}

func (s *Server) newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        h,
		ReadTimeout:    s.cfg.Limits.ReadTimeout,
		WriteTimeout:   s.cfg.Limits.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		ErrorLog:       newErrorLog(s.log),
	}
}

// Handler is the request pipeline shared by both listeners.
func (s *Server) Handler() http.Handler {
	ok := AlwaysOK{Log: s.log}
	return withRequestID(metrics.Middleware(s.stats, RequestID, ok))
}

func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.Limits.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Limits.MaxConns)
	}
	return ln, nil
}

// ListenAndServe binds both listeners and serves until Shutdown. When one
// listener fails the other is closed and the first error is returned.
func (s *Server) ListenAndServe() error {
	var httpLn, tlsLn net.Listener
	var err error
	if s.httpSrv != nil {
		if httpLn, err = s.listen(s.httpSrv.Addr); err != nil {
			return err
		}
		s.addrs[0] = httpLn.Addr()
	}
	if s.tlsSrv != nil {
		if tlsLn, err = s.listen(s.tlsSrv.Addr); err != nil {
			if httpLn != nil {
				_ = httpLn.Close()
			}
			return err
		}
		s.addrs[1] = tlsLn.Addr()
	}
	close(s.ready)

	g, ctx := errgroup.WithContext(context.Background())
	if httpLn != nil {
		s.log.WithField("addr", httpLn.Addr().String()).Info("http listening")
		g.Go(func() error { return ignoreClosed(s.httpSrv.Serve(httpLn)) })
	}
	if tlsLn != nil {
		s.log.WithField("addr", tlsLn.Addr().String()).Info("https listening")
		g.Go(func() error {
			// ServeTLS can fail before it takes ownership of the listener
			defer tlsLn.Close()
			return ignoreClosed(s.tlsSrv.ServeTLS(tlsLn, "", ""))
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.log.WithError(context.Cause(ctx)).Error("listener failed, closing the others")
			return s.close()
		case <-s.stopped:
			return nil
		}
	})
	return g.Wait()
}

func (s *Server) close() error {
	var errs []error
	if s.httpSrv != nil {
		errs = append(errs, s.httpSrv.Close())
	}
	if s.tlsSrv != nil {
		errs = append(errs, s.tlsSrv.Close())
	}
	return errors.Join(errs...)
}

// Addrs waits until the listeners are bound and returns the plain and TLS
// addresses; an unconfigured listener yields nil.
func (s *Server) Addrs(ctx context.Context) (httpAddr, tlsAddr net.Addr, err error) {
	select {
	case <-s.ready:
		return s.addrs[0], s.addrs[1], nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopped) })
	var errs []error
	if s.httpSrv != nil {
		errs = append(errs, s.httpSrv.Shutdown(ctx))
	}
	if s.tlsSrv != nil {
		errs = append(errs, s.tlsSrv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
