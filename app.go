package harness

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deepagent/agent"
	"deepagent/handlers"
	"deepagent/tracing"
)

// Server is the harness's HTTP server: build one with New(), register
// agents and native tools, then call Start() to serve until a shutdown
// signal arrives.
type Server struct {
	host       string
	port       int
	gatewayURL string
	configFile string
	staticPath string

	tools  []agent.Tool
	agents map[string]*agent.AgentConfig

	deps *handlers.Deps
	srv  *http.Server
}

// Option configures a Server before Start().
type Option func(*Server)

// WithPort sets the listen port (default 8000).
func WithPort(port int) Option { return func(s *Server) { s.port = port } }

// WithHost sets the listen host (default "0.0.0.0").
func WithHost(host string) Option { return func(s *Server) { s.host = host } }

// WithGateway points auth and RBAC proxying at an upstream gateway.
// Leaving it unset runs the server with auth disabled.
func WithGateway(url string) Option { return func(s *Server) { s.gatewayURL = url } }

// WithConfigFile loads agent templates and dependency wiring from a
// YAML config file at Start().
func WithConfigFile(path string) Option { return func(s *Server) { s.configFile = path } }

// WithStaticPath serves a directory of static files with SPA fallback
// (default "static").
func WithStaticPath(path string) Option { return func(s *Server) { s.staticPath = path } }

// New builds a Server with defaults, applying opts in order.
func New(opts ...Option) *Server {
	s := &Server{
		host:       "0.0.0.0",
		port:       8000,
		staticPath: "static",
		agents:     make(map[string]*agent.AgentConfig),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterAgent adds an agent template under id, callable before Start().
func (s *Server) RegisterAgent(id string, cfg *agent.AgentConfig) {
	s.agents[id] = cfg
}

// RegisterTool adds a native tool (e.g. *agent.FuncTool) every agent can
// call, callable before Start().
func (s *Server) RegisterTool(t agent.Tool) {
	s.tools = append(s.tools, t)
}

// Start builds dependencies and routes, then serves until a SIGINT or
// SIGTERM triggers a graceful shutdown or ListenAndServe fails.
func (s *Server) Start() error {
	s.deps = s.buildDeps()
	s.loadRegisteredAgentsAndTools()

	if s.configFile != "" {
		log.Printf("loading config from %s", s.configFile)
		if err := LoadConfigFile(s.configFile, s.deps); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	handler := corsMiddleware(s.buildMux())
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disabled: streaming responses (SSE) run open-ended
		IdleTimeout:  120 * time.Second,
	}

	go s.awaitShutdownSignal()
	s.logStartup(addr)

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildDeps() *handlers.Deps {
	return &handlers.Deps{
		Registry:      agent.NewRegistry(),
		AppConfig:     &handlers.Config{WickGatewayURL: s.gatewayURL},
		EventBus:      handlers.NewEventBus(),
		Backends:      handlers.NewBackendStore(),
		Checkpointer:  agent.NewCheckpointer(),
		ResolveUser:   ResolveUser,
		ResolveRole:   ResolveRole,
		TraceStore:    tracing.NewStore(1000),
		ExternalTools: handlers.NewToolStore(),
	}
}

func (s *Server) loadRegisteredAgentsAndTools() {
	for id, cfg := range s.agents {
		s.deps.Registry.RegisterTemplate(id, cfg)
		log.Printf("  registered agent %q (%s)", id, cfg.Name)
	}
	for _, t := range s.tools {
		s.deps.ExternalTools.AddTool(t)
		log.Printf("  registered tool %q", t.Name())
	}
}

func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"agents_loaded": s.deps.Registry.TemplateCount(),
		})
	})

	s.mountAuthRoutes(mux)

	agentMux := http.NewServeMux()
	handlers.RegisterRoutes(agentMux, s.deps)
	guarded := authMiddleware(s.gatewayURL, agentMux)
	mux.Handle("/agents/", guarded)
	mux.Handle("/agents", guarded)

	s.mountStaticRoutes(mux)
	return mux
}

func (s *Server) mountAuthRoutes(mux *http.ServeMux) {
	if s.gatewayURL == "" {
		mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotImplemented)
		})
		return
	}

	proxy := authProxy(s.gatewayURL)
	mux.Handle("/auth/login", proxy)
	mux.Handle("/auth/me", proxy)
}

func (s *Server) mountStaticRoutes(mux *http.ServeMux) {
	info, err := os.Stat(s.staticPath)
	if err != nil || !info.IsDir() {
		return
	}

	log.Printf("serving static files from %s", s.staticPath)
	fileServer := http.FileServer(http.Dir(s.staticPath))
	root := s.staticPath

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(root + r.URL.Path); os.IsNotExist(err) && r.URL.Path != "/" {
			http.ServeFile(w, r, root+"/index.html")
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func (s *Server) awaitShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

func (s *Server) logStartup(addr string) {
	count := s.deps.Registry.TemplateCount()
	if s.gatewayURL != "" {
		log.Printf("deepagent harness starting on %s (agents=%d, gateway=%s)", addr, count, s.gatewayURL)
		return
	}
	log.Printf("deepagent harness starting on %s (agents=%d, auth=disabled)", addr, count)
}

// Shutdown gracefully stops a running server. Safe to call before Start
// (no-op) or after it returns.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
