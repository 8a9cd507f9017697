// Package httptrigger serves a Spin application's HTTP triggers. Each
// request runs the routed component once under the WAGI protocol: the
// request becomes CGI environment and stdin, and the guest's stdout is
// parsed back into a response.
package httptrigger

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
)

// MaxBodyBytes caps request bodies handed to guests.
const MaxBodyBytes = 64 << 20

const shutdownTimeout = 5 * time.Second

// Metadata is metadata.triggers.http.
type Metadata struct {
	Base string `json:"base"`
}

// Config is one HTTP trigger's trigger_config.
type Config struct {
	Component string `json:"component"`
	Route     string `json:"route"`
}

// Executor is the HTTP trigger executor.
type Executor struct {
	handler http.Handler
	logger  *zap.Logger
	stderr  io.Writer
	srv     *http.Server
	ready   chan struct{}
	addr    net.Addr
	mu      sync.Mutex
}

// Build loads every HTTP component and prepares the router.
func Build(ctx context.Context, in trigger.BuildInput) (trigger.Executor, error) {
	var meta Metadata
	if err := in.App.TriggerMetadata(string(trigger.HTTP), &meta); err != nil {
		return nil, buildError("metadata", err)
	}

	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger: logger,
		stderr: os.Stderr,
		ready:  make(chan struct{}),
	}

	var routes []route
	for _, t := range in.App.TriggersOfKind(string(trigger.HTTP)) {
		var cfg Config
		if err := locked.DecodeTriggerConfig(t, &cfg); err != nil {
			return nil, buildError(t.ID, err)
		}
		if cfg.Route == "" {
			return nil, buildError(t.ID, fmt.Errorf("trigger has no route"))
		}
		g, err := in.Guest(ctx, trigger.HTTP, t.ID, cfg.Component)
		if err != nil {
			return nil, err
		}
		rt := newRoute(meta.Base, cfg.Route, cfg.Component, nil)
		rt.handler = e.componentHandler(g, rt)
		routes = append(routes, rt)
		logger.Info("serving route",
			zap.String("route", rt.scriptName()),
			zap.String("pattern", cfg.Route),
			zap.String("component", cfg.Component),
		)
	}
	e.handler = newRouter(routes, http.NotFoundHandler())
	return e, nil
}

func buildError(subject string, err error) error {
	return errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
		Subject(subject).
		Detail("invalid HTTP trigger").
		Cause(err).
		Build()
}

// Handler exposes the router.
func (e *Executor) Handler() http.Handler {
	return e.handler
}

// Ready is closed once the listener is bound.
func (e *Executor) Ready() <-chan struct{} {
	return e.ready
}

// Addr returns the bound address, or nil before Ready.
func (e *Executor) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Run listens on args.Address until ctx is cancelled, then shuts the
// server down.
func (e *Executor) Run(ctx context.Context, args any) error {
	a, ok := args.(trigger.HTTPArgs)
	if !ok || a.Address == nil {
		return fmt.Errorf("http trigger: unexpected arguments %T", args)
	}

	ln, err := net.Listen("tcp", a.Address.String())
	if err != nil {
		return errors.IO(errors.PhaseTriggerRun, "listen on "+a.Address.String(), err)
	}

	srv := &http.Server{
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if a.TLSCert != "" && a.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(a.TLSCert, a.TLSKey)
		if err != nil {
			ln.Close()
			return errors.IO(errors.PhaseTriggerRun, "load TLS key pair", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	e.mu.Lock()
	e.srv = srv
	e.addr = ln.Addr()
	e.mu.Unlock()
	close(e.ready)

	e.logger.Info("serving http requests", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	<-errCh
	return nil
}

// Close stops the server immediately.
func (e *Executor) Close() error {
	e.mu.Lock()
	srv := e.srv
	e.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (e *Executor) componentHandler(g *trigger.Guest, rt route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxBodyBytes))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		var stdout bytes.Buffer
		err = g.Invoke(req.Context(), runtime.Invocation{
			Stdin:  bytes.NewReader(body),
			Stdout: &stdout,
			Stderr: e.stderr,
			Args:   requestArgs(req),
			Env:    requestEnv(req, rt, len(body)),
		})
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		resp, err := parseResponse(stdout.Bytes())
		if err != nil {
			e.logger.Warn("invalid guest response",
				zap.String("component", g.Component()),
				zap.Error(err),
			)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		resp.write(w)
	})
}
