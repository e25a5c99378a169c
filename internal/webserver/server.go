// Package webserver exposes the experiment API used by the wizard UI.
package webserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/specgen"
	"github.com/bjsi/vibe-controller/internal/store"
)

// Launcher starts and stops experiment runs. *agent.Runner implements it.
type Launcher interface {
	Start(id, instructions, directory string) error
	StartSimulation(id, directory string) error
	Stop(id string, force bool) bool
	Active(id string) bool
}

// Options configures web server behavior.
type Options struct {
	Host      string
	Port      int
	TLSMode   string
	CertFile  string
	KeyFile   string
	AuthToken string
	RateLimit float64

	// StagedDirName is the workspace directory inside each experiment
	// directory, used by the terminal and file endpoints.
	StagedDirName string
	Logger        *log.Logger

	// AllowedOrigins lists browser origins allowed to open WebSockets in
	// addition to the server's own host. Entries are host patterns
	// ("localhost:*") or full origins ("http://localhost:5173").
	AllowedOrigins []string
}

// Deps are the collaborators the handlers delegate to.
type Deps struct {
	Store     *store.Store
	Registry  *agentstate.Registry
	Runner    Launcher
	Generator specgen.Generator
}

// Server hosts the HTTP API and the WebSocket endpoints.
type Server struct {
	store     *store.Store
	registry  *agentstate.Registry
	runner    Launcher
	generator specgen.Generator
	logger    *log.Logger

	httpServer    *http.Server
	port          int
	host          string
	tlsMode       string
	certFile      string
	keyFile       string
	authToken     string
	rateLimit     float64
	stagedDirName  string
	fingerprint    string
	originPatterns []string

	// startMu serializes the check-save-start sequence of the start and
	// execute handlers.
	startMu sync.Mutex
}

// New constructs a web server. Deps.Store, Deps.Registry and Deps.Runner
// are required.
func New(deps Deps, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}

	port := opts.Port
	if port <= 0 {
		port = 8080
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	generator := deps.Generator
	if generator == nil {
		generator = specgen.Template{}
	}
	staged := strings.TrimSpace(opts.StagedDirName)
	if staged == "" {
		staged = "drone-challenge"
	}

	srv := &Server{
		store:         deps.Store,
		registry:      deps.Registry,
		runner:        deps.Runner,
		generator:     generator,
		logger:        logger,
		host:          host,
		port:          port,
		tlsMode:       strings.TrimSpace(opts.TLSMode),
		certFile:      strings.TrimSpace(opts.CertFile),
		keyFile:       strings.TrimSpace(opts.KeyFile),
		authToken:     strings.TrimSpace(opts.AuthToken),
		rateLimit:     opts.RateLimit,
		stagedDirName: staged,

		originPatterns: originPatterns(opts.AllowedOrigins),
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	handler := corsMiddleware(logMiddleware(logger, rateLimitMiddleware(srv.rateLimit, authMiddleware(srv.authToken, mux))))
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

// originPatterns reduces allowed origins to the host patterns the
// WebSocket handshake matches against.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if strings.Contains(o, "://") {
			if u, err := url.Parse(o); err == nil {
				o = u.Host
			}
		}
		o = strings.TrimSuffix(o, "/")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}

// acceptWebSocket upgrades the request, rejecting cross-origin browsers
// that are not in the allow list.
func (srv *Server) acceptWebSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: srv.originPatterns,
	})
	if err != nil {
		srv.logger.Warn("websocket rejected", "path", r.URL.Path, "origin", r.Header.Get("Origin"), "err", err)
	}
	return ws, err
}

// Handler returns the fully wrapped HTTP handler.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

// Start starts the server in a background goroutine and returns immediately.
func (srv *Server) Start() error {
	if srv.httpServer == nil {
		return fmt.Errorf("webserver not initialized")
	}

	if srv.tlsMode != "" {
		var cert tls.Certificate
		var err error

		switch srv.tlsMode {
		case "self-signed":
			cert, err = generateSelfSignedCert(srv.host)
			if err != nil {
				return fmt.Errorf("generating self-signed certificate: %w", err)
			}
		case "custom":
			cert, err = tls.LoadX509KeyPair(srv.certFile, srv.keyFile)
			if err != nil {
				return fmt.Errorf("loading TLS certificate: %w", err)
			}
		default:
			return fmt.Errorf("unsupported TLS mode: %q", srv.tlsMode)
		}

		srv.fingerprint = certFingerprint(cert)
		srv.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		var err error
		if srv.tlsMode != "" {
			err = srv.httpServer.ServeTLS(ln, "", "")
		} else {
			err = srv.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("webserver", "server stopped with error", "error", err)
			srv.logger.Error("server stopped", "err", err)
		}
	}()

	return nil
}

// CertFingerprint returns the SHA-256 fingerprint of the serving
// certificate, or "" without TLS. Valid after Start.
func (srv *Server) CertFingerprint() string {
	return srv.fingerprint
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Port returns the bound port.
func (srv *Server) Port() int {
	return srv.port
}

// Scheme returns the URL scheme for the running server.
func (srv *Server) Scheme() string {
	if srv.tlsMode != "" {
		return "https"
	}
	return "http"
}

// URL returns the base URL clients should use to reach the server.
func (srv *Server) URL() string {
	host := srv.host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return srv.Scheme() + "://" + net.JoinHostPort(host, strconv.Itoa(srv.port))
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /start_experiment", srv.handleStartExperiment)
	mux.HandleFunc("POST /store_test_data", srv.handleStoreTestData)
	mux.HandleFunc("GET /get_test_data", srv.handleGetTestData)
	mux.HandleFunc("GET /get_experiment_state", srv.handleGetExperimentState)
	mux.HandleFunc("GET /list_experiments", srv.handleListExperiments)
	mux.HandleFunc("POST /execute_drone", srv.handleExecuteDrone)
	mux.HandleFunc("POST /stop_experiment", srv.handleStopExperiment)
	mux.HandleFunc("POST /generate_spec", srv.handleGenerateSpec)
	mux.HandleFunc("GET /health", srv.handleHealth)

	mux.HandleFunc("GET /get_transcript", srv.handleGetTranscript)
	mux.HandleFunc("GET /experiment_files", srv.handleExperimentFiles)
	mux.HandleFunc("GET /experiment_file", srv.handleExperimentFile)

	// WebSocket endpoints
	mux.HandleFunc("GET /ws/experiments/{id}", srv.handleStateWebSocket)
	mux.HandleFunc("GET /ws/experiments/{id}/terminal", srv.handleTerminalWebSocket)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}
