package utils

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	serverReadTimeout  = 60 * time.Second
	serverWriteTimeout = 60 * time.Second
	shutdownGrace      = 30 * time.Second

	// The restarted child finds the inherited listener on fd 3 and this
	// environment marker set.
	gracefulEnvKey = "IS_GRACEFUL"
	gracefulFD     = 3
)

// GraceServer serves handler on addr and restarts in place on SIGUSR2:
// the listener fd is handed to a forked replacement process, then the old
// process drains and exits. SIGTERM drains and exits without a replacement.
func GraceServer(addr string, handler http.Handler) error {
	srv := &graceServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  serverReadTimeout,
			WriteTimeout: serverWriteTimeout,
		},
		inherited: os.Getenv(gracefulEnvKey) != "",
		drained:   make(chan struct{}),
	}
	return srv.listenAndServe()
}

type graceServer struct {
	httpServer *http.Server
	listener   net.Listener
	inherited  bool
	drained    chan struct{}
}

func (s *graceServer) listenAndServe() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln

	go s.watchSignals()
	err = s.httpServer.Serve(ln)
	// Serve returns as soon as the listener closes; in-flight requests are
	// still draining until Shutdown finishes.
	<-s.drained
	return err
}

func (s *graceServer) listen() (net.Listener, error) {
	if s.inherited {
		ln, err := net.FileListener(os.NewFile(gracefulFD, ""))
		if err != nil {
			return nil, fmt.Errorf("inherit listener: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return ln, nil
}

func (s *graceServer) watchSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGUSR2)

	for sig := range sigs {
		switch sig {
		case syscall.SIGTERM:
			Sugar.Info("SIGTERM received, draining HTTP server")
			s.shutdown()
		case syscall.SIGUSR2:
			Sugar.Info("SIGUSR2 received, forking replacement process")
			pid, err := s.forkReplacement()
			if err != nil {
				Sugar.Errorf("replacement fork failed, continuing to serve: %v", err)
				continue
			}
			Sugar.Infof("replacement running with pid %d, draining old server", pid)
			s.shutdown()
		}
	}
}

func (s *graceServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		Sugar.Errorf("server shutdown: %v", err)
	}
	close(s.drained)
}

func (s *graceServer) forkReplacement() (int, error) {
	tcpLn, ok := s.listener.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("listener %T cannot be inherited", s.listener)
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("listener fd: %w", err)
	}

	env := make([]string, 0, len(os.Environ())+1)
	marker := gracefulEnvKey + "=1"
	for _, e := range os.Environ() {
		if e != marker {
			env = append(env, e)
		}
	}
	env = append(env, marker)

	pid, err := syscall.ForkExec(os.Args[0], os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), file.Fd()},
	})
	if err != nil {
		return 0, fmt.Errorf("forkexec: %w", err)
	}
	return pid, nil
}
