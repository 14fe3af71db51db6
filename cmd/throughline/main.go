package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/throughline-dev/throughline/auth"
	"github.com/throughline-dev/throughline/client"
	"github.com/throughline-dev/throughline/internal/cmdutil"
	"github.com/throughline-dev/throughline/observability"
	"github.com/throughline-dev/throughline/observability/prom"
	"github.com/throughline-dev/throughline/server"
)

// switchHandler lets /metrics be toggled at runtime between a live
// Prometheus handler and 404, without tearing down the admin HTTP server.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController enables or disables Prometheus export by swapping the
// server's observer and the /metrics handler together.
type metricsController struct {
	mu      sync.Mutex
	enabled bool
	handler *switchHandler
	atomic  *observability.Atomic
}

func newMetricsController(handler *switchHandler, atomic *observability.Atomic) *metricsController {
	return &metricsController{handler: handler, atomic: atomic}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	obs := prom.NewObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.atomic.Set(obs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.atomic.Set(observability.Noop)
	c.enabled = false
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "local":
		err = runLocal(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: throughline server [flags]")
	fmt.Fprintln(os.Stderr, "       throughline local <local_port> --to HOST [flags]")
}

// runServer implements the `server` subcommand: bind the control port,
// optionally an admin HTTP listener, and serve until SIGINT/SIGTERM.
func runServer(args []string) error {
	cfg := server.DefaultConfig()

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	bindAddr := fs.String("bind-addr", "0.0.0.0:7835", "control port bind address")
	bindTunnels := fs.String("bind-tunnels", "0.0.0.0", "public tunnel listener bind address")
	minPort := fs.Uint("min-port", uint(cmdutil.EnvUint16("BORE_MIN_PORT", cfg.MinPort)), "minimum assignable public port")
	maxPort := fs.Uint("max-port", uint(cmdutil.EnvUint16("BORE_MAX_PORT", cfg.MaxPort)), "maximum assignable public port")
	secret := fs.String("secret", cmdutil.EnvString("BORE_SECRET", ""), "shared secret clients must authenticate with")
	apiValidationURL := fs.String("api-validation-url", cmdutil.EnvString("BORE_API_VALIDATION_URL", ""), "URL validating client API keys")
	adminAddr := fs.String("admin-addr", "", "admin HTTP listen address exposing /healthz and (once toggled) /metrics")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *secret != "" && *apiValidationURL != "" {
		return fmt.Errorf("server: --secret and --api-validation-url are mutually exclusive")
	}

	cfg.BindAddr = *bindAddr
	cfg.TunnelBindAddr = *bindTunnels
	cfg.MinPort = uint16(*minPort)
	cfg.MaxPort = uint16(*maxPort)
	switch {
	case *secret != "":
		cfg.Auth = auth.NewSecretAuthenticator(*secret)
	case *apiValidationURL != "":
		cfg.Auth = auth.NewAPIKeyAuthenticator(*apiValidationURL)
	}

	atomicObs := observability.NewAtomic()
	cfg.Observer = atomicObs

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	var admin *http.Server
	var metrics *metricsController
	if *adminAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		metricsHandler := newSwitchHandler()
		mux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, atomicObs)

		ln, err := net.Listen("tcp", *adminAddr)
		if err != nil {
			return fmt.Errorf("server: admin listen: %w", err)
		}
		admin = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := admin.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("server: admin http: %v", err)
			}
		}()
		log.Printf("admin http listening on %s", ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	log.Printf("control port listening on %s (ports %d-%d)", cfg.BindAddr, cfg.MinPort, cfg.MaxPort)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case err := <-serveErr:
			return err
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				stats := srv.Stats()
				log.Printf("stats: %+v", stats)
			case syscall.SIGUSR1:
				if metrics != nil {
					metrics.Enable()
					log.Printf("metrics enabled")
				}
			case syscall.SIGUSR2:
				if metrics != nil {
					metrics.Disable()
					log.Printf("metrics disabled")
				}
			default:
				if admin != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					_ = admin.Shutdown(ctx)
					cancel()
				}
				return nil
			}
		}
	}
}

// runLocal implements the `local` subcommand: connect to a server and
// expose a local TCP service through it until interrupted.
func runLocal(args []string) error {
	fs := flag.NewFlagSet("local", flag.ExitOnError)
	localHost := fs.String("local-host", "localhost", "local service host")
	to := fs.String("to", cmdutil.EnvString("BORE_SERVER", ""), "tunnel server host")
	port := fs.Uint("port", 0, "requested public port (0 lets the server choose)")
	secret := fs.String("secret", cmdutil.EnvString("BORE_SECRET", ""), "shared secret to authenticate with")
	apiKey := fs.String("api-key", cmdutil.EnvString("BORE_API_KEY", ""), "API key to authenticate with")
	if err := fs.Parse(args); err != nil {
		return err
	}
	localPort := cmdutil.EnvUint16("BORE_LOCAL_PORT", 0)
	if fs.NArg() >= 1 {
		if _, err := fmt.Sscanf(fs.Arg(0), "%d", &localPort); err != nil {
			return fmt.Errorf("local: invalid local_port %q: %w", fs.Arg(0), err)
		}
	}
	if localPort == 0 {
		return fmt.Errorf("local: missing <local_port> (or BORE_LOCAL_PORT)")
	}
	if *to == "" {
		return fmt.Errorf("local: missing --to (or BORE_SERVER)")
	}
	if *secret != "" && *apiKey != "" {
		return fmt.Errorf("local: --secret and --api-key are mutually exclusive")
	}

	cfg := client.DefaultConfig()
	cfg.ServerAddr = fmt.Sprintf("%s:7835", *to)
	cfg.LocalHost = *localHost
	cfg.LocalPort = localPort
	cfg.RequestedPort = uint16(*port)
	switch {
	case *secret != "":
		cfg.Auth = auth.NewSecretAuthenticator(*secret)
	case *apiKey != "":
		cfg.Auth = &auth.APIKeyClientAuthenticator{APIKey: *apiKey}
	}

	cl := client.New(cfg, nil)
	ctx := context.Background()
	if err := cl.Start(ctx); err != nil {
		return err
	}
	defer cl.Close()
	log.Printf("listening at %s:%d", *to, cl.RemotePort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- cl.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case <-sig:
		return nil
	}
}
