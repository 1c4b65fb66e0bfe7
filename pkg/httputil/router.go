package httputil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	prefix     string
	middleware []Middleware
	mu         sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithLogger sets the logger used for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTLS serves HTTPS with cert.
func WithTLS(cert tls.Certificate) RouterOptions {
	return func(r *Router) {
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use adds one or more middleware to the router. At least one middleware must be provided.
// Middleware functions are applied in the order they are added.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	if len(additional) > 0 {
		r.middleware = append(r.middleware, additional...)
	}
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// from its parent router.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers an HTTP handler for a given method and pattern, e.g. "GET /topics/{topic...}".
// The handler `METHOD /pattern` on a route group with a /prefix resolves to `METHOD /prefix/pattern`.
// It panics on a pattern without a method, like http.ServeMux does on conflicting patterns.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		panic(fmt.Sprintf("httputil: invalid method pattern %q", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		finalHandler = r.middleware[i](finalHandler)
	}

	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), finalHandler)
}

// HandleFunc is Handle for plain functions.
func (r *Router) HandleFunc(methodPattern string, fn http.HandlerFunc) {
	r.Handle(methodPattern, fn)
}

// Handler returns the routes with the router-level middleware applied.
func (r *Router) Handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var handler http.Handler = r.mux
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}
	return handler
}

// ListenAndServe starts the server on addr.
func (r *Router) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called, using HTTPS when
// the router was created WithTLS.
func (r *Router) Serve(ln net.Listener) error {
	r.server.Addr = ln.Addr().String()
	r.server.Handler = r.Handler()

	if r.server.TLSConfig != nil {
		r.logger.Info("starting HTTPS server", zap.String("addr", r.server.Addr))
		return r.server.ServeTLS(ln, "", "")
	}
	r.logger.Info("starting server", zap.String("addr", r.server.Addr))
	return r.server.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server. Hijacked connections such as
// websockets are not tracked by the server and must be closed by their owner.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}

// RegisterOnShutdown registers fn to be called when Shutdown starts.
func (r *Router) RegisterOnShutdown(fn func()) {
	r.server.RegisterOnShutdown(fn)
}
