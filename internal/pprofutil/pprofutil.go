// Package pprofutil serves net/http/pprof on loopback when MESHCHAT_PPROF=1.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAddr = "127.0.0.1:6060"

	EnvEnable      = "MESHCHAT_PPROF"
	EnvAddr        = "MESHCHAT_PPROF_ADDR"
	EnvAllowPublic = "MESHCHAT_PPROF_ALLOW_PUBLIC"
)

var ErrPublicBind = errors.New("pprof address must be loopback")

// Server is a running profiling endpoint.
type Server struct {
	srv  *http.Server
	addr string
	done chan struct{}
}

func (s *Server) Addr() string { return s.addr }

// Shutdown stops the server and waits for its goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

// StartFromEnv returns nil, nil when profiling is not requested.
func StartFromEnv(log *zap.Logger) (*Server, error) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(os.Getenv(EnvAddr))
	if addr == "" {
		addr = defaultAddr
	}
	public := strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1"
	return Start(addr, public, log)
}

func Start(addr string, allowPublic bool, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%w unless %s=1: %s", ErrPublicBind, EnvAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s := &Server{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: ln.Addr().String(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server stopped", zap.Error(err))
		}
	}()
	log.Info("pprof enabled", zap.String("url", "http://"+s.addr+"/debug/pprof/"))
	return s, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
