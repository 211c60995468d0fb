// Package server wires the HTTP surface together: security headers,
// health/version/robots endpoints, optional pprof registration, and
// graceful shutdown, with AdminAPI and ConnectionHub mounted on top.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	"github.com/seednode/spektrum/internal/adminapi"
	"github.com/seednode/spektrum/internal/config"
	"github.com/seednode/spektrum/internal/hub"
)

const (
	logDate = `2006-01-02T15:04:05.000-07:00`
	timeout = 10 * time.Second
)

// Logf writes a timestamped line when the server is running verbose;
// every package in this module routes its logging through it, the way
// the rest of this codebase has always done.
func Logf(cfg *config.Config, format string, args ...any) {
	if !cfg.Verbose {
		return
	}
	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func securityHeaders(cfg *config.Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")

	if len(cfg.CORSOrigins) > 0 {
		w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSOrigins, ", "))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	if cfg.Scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *config.Config, releaseVersion string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		start := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte("spektrumd v" + releaseVersion + "\n"))

		Logf(cfg, "SERVE: version page to %s in %s", realIP(r), time.Since(start).Round(time.Microsecond))
	}
}

func serveHealthCheck(cfg *config.Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		_, _ = w.Write([]byte("Ok\n"))
	}
}

func serveRobots(cfg *config.Config) httprouter.Handle {
	const body = `User-agent: *
Disallow: /
`
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)
		_, _ = w.Write([]byte(body))
	}
}

func registerProfileHandlers(cfg *config.Config, mux *httprouter.Router) {
	prefix := cfg.Prefix
	mux.Handler("GET", prefix+"/pprof/allocs", pprof.Handler("allocs"))
	mux.Handler("GET", prefix+"/pprof/block", pprof.Handler("block"))
	mux.Handler("GET", prefix+"/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handler("GET", prefix+"/pprof/heap", pprof.Handler("heap"))
	mux.Handler("GET", prefix+"/pprof/mutex", pprof.Handler("mutex"))
	mux.Handler("GET", prefix+"/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.HandlerFunc("GET", prefix+"/pprof/cmdline", pprof.Cmdline)
	mux.HandlerFunc("GET", prefix+"/pprof/profile", pprof.Profile)
	mux.HandlerFunc("GET", prefix+"/pprof/symbol", pprof.Symbol)
	mux.HandlerFunc("GET", prefix+"/pprof/trace", pprof.Trace)
}

// Deps bundles everything Serve needs to mount routes, so main doesn't
// need to know about internal wiring order.
type Deps struct {
	Admin *adminapi.API
	Hub   *hub.Hub
}

// Serve builds the router, starts the listener in the background, and
// blocks until ctx is cancelled, at which point it shuts down gracefully.
func Serve(ctx context.Context, cfg *config.Config, releaseVersion string, deps Deps) error {
	Logf(cfg, "START: spektrumd v%s", releaseVersion)

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      0, // websocket connections are long-lived; no blanket write deadline
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, _ any) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal server error\n"))
	}

	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	cfg.Prefix = prefix

	mux.GET(prefix+"/healthz", serveHealthCheck(cfg))
	mux.GET(prefix+"/robots.txt", serveRobots(cfg))
	mux.GET(prefix+"/version", serveVersion(cfg, releaseVersion))
	mux.GET(prefix+"/ws", deps.Hub.ServeWS)

	deps.Admin.Register(mux, prefix)

	if cfg.Profile {
		registerProfileHandlers(cfg, mux)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		Logf(cfg, "SERVE: listening on %s://%s%s/", cfg.Scheme(), srv.Addr, prefix)

		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
