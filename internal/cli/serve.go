package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/bjsi/vibe-controller/internal/agent"
	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/config"
	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/pushover"
	"github.com/bjsi/vibe-controller/internal/specgen"
	"github.com/bjsi/vibe-controller/internal/store"
	"github.com/bjsi/vibe-controller/internal/telemetry"
	"github.com/bjsi/vibe-controller/internal/webserver"
)

const (
	mdnsServiceType = "_vibe-controller._tcp"
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"web", "server"},
	Short:   "Start the experiment API server",
	Long: `Start the HTTP/WebSocket API used by the wizard UI.

The server launches the coding agent for each started experiment, tracks its
progress in memory and persists experiments under <root>/experiments/.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	cmd.Flags().Bool("expose", false, "Bind to 0.0.0.0 for LAN/remote access (enables TLS)")
	cmd.Flags().String("tls", "", "TLS mode: 'self-signed' or 'custom' (requires --cert and --key)")
	cmd.Flags().String("cert", "", "Path to TLS certificate file (for --tls=custom)")
	cmd.Flags().String("key", "", "Path to TLS key file (for --tls=custom)")
	cmd.Flags().String("auth-token", "", "Require Bearer token for API access")
	cmd.Flags().Float64("rate-limit", 0, "Max requests per second per IP (0 = unlimited)")
	cmd.Flags().Bool("mdns", false, "Advertise server on local network via mDNS/Bonjour")
	cmd.Flags().Bool("open", false, "Open browser automatically")
	cmd.Flags().String("log-level", "info", "Server log level: debug, info, warn, error")
	cmd.Flags().Bool("stop-kills-process", false, "Make /stop_experiment terminate the agent process")
	cmd.Flags().StringSlice("allow-origin", []string{"localhost:*", "127.0.0.1:*"}, "Browser origins allowed to open WebSockets (host patterns or full origins)")
}

// serveOptions is the flag set after --expose defaults are applied.
type serveOptions struct {
	webserver.Options
	Expose         bool
	MDNS           bool
	Open           bool
	LogLevel       string
	StopKills      bool
	GeneratedToken bool
}

func serveOptionsFromFlags(cmd *cobra.Command) (serveOptions, error) {
	var o serveOptions
	o.Port, _ = cmd.Flags().GetInt("port")
	o.Host, _ = cmd.Flags().GetString("host")
	o.Expose, _ = cmd.Flags().GetBool("expose")
	o.TLSMode, _ = cmd.Flags().GetString("tls")
	o.CertFile, _ = cmd.Flags().GetString("cert")
	o.KeyFile, _ = cmd.Flags().GetString("key")
	o.AuthToken, _ = cmd.Flags().GetString("auth-token")
	o.RateLimit, _ = cmd.Flags().GetFloat64("rate-limit")
	o.MDNS, _ = cmd.Flags().GetBool("mdns")
	o.Open, _ = cmd.Flags().GetBool("open")
	o.LogLevel, _ = cmd.Flags().GetString("log-level")
	o.StopKills, _ = cmd.Flags().GetBool("stop-kills-process")
	o.AllowedOrigins, _ = cmd.Flags().GetStringSlice("allow-origin")

	if o.Expose {
		o.Host = "0.0.0.0"
		if !cmd.Flags().Changed("tls") {
			o.TLSMode = "self-signed"
		}
		if !cmd.Flags().Changed("auth-token") {
			o.AuthToken = generateToken()
			o.GeneratedToken = true
		}
	}

	if o.TLSMode != "" && o.TLSMode != "self-signed" && o.TLSMode != "custom" {
		return o, fmt.Errorf("invalid --tls value %q, expected 'self-signed' or 'custom'", o.TLSMode)
	}
	if o.TLSMode == "custom" && (o.CertFile == "" || o.KeyFile == "") {
		return o, fmt.Errorf("--tls=custom requires both --cert and --key")
	}
	if o.RateLimit < 0 {
		return o, fmt.Errorf("--rate-limit must not be negative")
	}
	if _, err := log.ParseLevel(o.LogLevel); err != nil {
		return o, fmt.Errorf("invalid --log-level %q", o.LogLevel)
	}
	return o, nil
}

func newServerLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "vibe",
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// telemetrySink posts simulator telemetry to cfg.TelemetryURL, or appends it
// straight to the local store when no URL is configured.
func telemetrySink(cfg *config.Config, s *store.Store) telemetry.Sink {
	if url := strings.TrimSpace(cfg.TelemetryURL); url != "" {
		return telemetry.NewClient(url, cfg.TelemetryRetries)
	}
	return telemetry.SinkFunc(func(_ context.Context, id string, points []store.TestDataPoint) error {
		_, err := s.AppendTestData(id, points)
		return err
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	opts, err := serveOptionsFromFlags(cmd)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	cfg, err := config.LoadForProject(s.Root())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("stop-kills-process") {
		cfg.StopKillsProcess = opts.StopKills
	}
	if _, err := s.EnsureExperimentsRoot(); err != nil {
		return fmt.Errorf("creating experiments directory: %w", err)
	}

	logger := newServerLogger(opts.LogLevel)
	reg := agentstate.NewRegistry()
	settings := agent.SettingsFromConfig(cfg, s.Root())
	runner := agent.NewRunner(agent.Options{
		Registry:   reg,
		Settings:   settings,
		Telemetry:  telemetrySink(cfg, s),
		Transcript: s,
		OnStatus:   webserver.StatusHook(s, reg, pushover.New(cfg.Pushover), logger),
		Logger:     logger,
	})

	opts.StagedDirName = cfg.StagedDirName
	opts.Logger = logger
	srv := webserver.New(webserver.Deps{
		Store:     s,
		Registry:  reg,
		Runner:    runner,
		Generator: specgen.New(cfg.Anthropic.APIKey, cfg.Anthropic.Model),
	}, opts.Options)

	if err := srv.Start(); err != nil {
		if isAddrInUse(err) {
			fmt.Fprintf(os.Stderr, "Port %d is already in use.\n", opts.Port)
			fmt.Fprintf(os.Stderr, "Try: vibe-controller serve --port %d\n", opts.Port+1)
		}
		return fmt.Errorf("starting web server: %w", err)
	}
	url := srv.URL()
	debug.LogKV("cli", "server started", "url", url, "root", s.Root(), "template", settings.TemplateDir)

	printServeBanner(srv, s, settings, opts)

	if opts.Open {
		if err := openBrowser(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open browser: %v\n", err)
		}
	}

	if opts.Expose || opts.MDNS {
		_, port := splitHostPort(srv.Addr())
		server, err := startMDNSService(filepath.Base(s.Root()), port, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer server.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down web server: %w", err)
	}
	stopActiveRuns(shutdownCtx, reg, runner, logger)
	return nil
}

func printServeBanner(srv *webserver.Server, s *store.Store, settings agent.Settings, opts serveOptions) {
	url := srv.URL()
	if useColor {
		// OSC 8 hyperlink for terminals that support it.
		fmt.Printf("\033]8;;%s\033\\%s\033]8;;\033\\\n", url, url)
	} else {
		fmt.Println(url)
	}
	printField("Project", s.Root())
	if info, err := os.Stat(settings.TemplateDir); err == nil && info.IsDir() {
		printField("Template", settings.TemplateDir)
	} else {
		printField("Template", paint(colorYellow, settings.TemplateDir+" (missing)"))
	}
	if fp := srv.CertFingerprint(); fp != "" {
		printField("TLS SHA-256", fp)
	}
	if opts.Expose {
		fmt.Fprintln(os.Stderr, "Warning: Exposing web server on all interfaces.")
		if err := printQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}
	if opts.GeneratedToken {
		fmt.Fprintf(os.Stderr, "Generated auth token: %s\n", opts.AuthToken)
	}
	if opts.AuthToken != "" {
		fmt.Println("Auth token required for API access.")
	}
}

// stopActiveRuns kills agent processes still running at shutdown and waits
// for them to exit.
func stopActiveRuns(ctx context.Context, reg *agentstate.Registry, runner *agent.Runner, logger *log.Logger) {
	for _, st := range reg.All() {
		if !runner.Active(st.ID) {
			continue
		}
		logger.Warn("terminating run", "id", st.ID)
		runner.Stop(st.ID, true)
		if err := runner.Wait(ctx, st.ID); err != nil {
			logger.Error("run did not exit", "id", st.ID, "err", err)
		}
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func startMDNSService(projectName string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name := strings.TrimSpace(projectName)
	if name == "" {
		name = "vibe-controller"
	}
	txtRecords := []string{
		fmt.Sprintf("project=%s", name),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}

func printQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}

func splitHostPort(addr string) (string, int) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return host, 0
	}
	return host, port
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("cmd", "/c", "start", url).Start()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}
