package router

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Proxy is the front-end HTTP server that resolves an incoming request's
// Host header through a Router and serves it according to the resolved
// Target's kind. Grounded on nexushub/httpsproxy/proxy.go, generalized from
// app-ID path routing to the spec's pure virtual-hostname routing with three
// target kinds instead of one.
type Proxy struct {
	ListenAddr string
	Router     *InMemory
	Logger     *slog.Logger
	transport  *http.Transport
	server     *http.Server
}

// NewProxy builds a Proxy serving on listenAddr and resolving hosts through
// rt.
func NewProxy(listenAddr string, rt *InMemory, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		ListenAddr: listenAddr,
		Router:     rt,
		Logger:     logger,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}
}

// Start begins serving HTTP on ListenAddr. It blocks until Stop is called.
func (p *Proxy) Start() error {
	p.server = &http.Server{
		Addr:         p.ListenAddr,
		Handler:      http.HandlerFunc(p.handle),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return p.server.ListenAndServe()
}

// Stop gracefully shuts the proxy server down.
func (p *Proxy) Stop() error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(context.Background())
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()
	host := hostOnly(r.Host)

	target, ok := p.Router.Resolve(host)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		p.Logger.Info("no route", "trace", traceID, "host", host, "path", r.URL.Path)
		return
	}

	switch target.Kind {
	case TargetPort:
		p.proxyToPort(w, r, target.Port, traceID)
	case TargetStatic:
		http.FileServer(http.Dir(target.Root)).ServeHTTP(w, r)
	case TargetRedirect:
		http.Redirect(w, r, target.URL, http.StatusFound)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func (p *Proxy) proxyToPort(w http.ResponseWriter, r *http.Request, port int, traceID string) {
	targetURL := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = p.transport
	r.Header.Set("X-Trace-ID", traceID)
	p.Logger.Info("proxying", "trace", traceID, "host", r.Host, "path", r.URL.Path, "target", targetURL.String())
	proxy.ServeHTTP(w, r)
}

func hostOnly(hostport string) string {
	for i := 0; i < len(hostport); i++ {
		if hostport[i] == ':' {
			return hostport[:i]
		}
	}
	return hostport
}
