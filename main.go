package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"authfed/server"
	"authfed/session"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHFED_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	envFile := flag.String("env-file", "", "Load environment variables from this file before reading config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := loadEnvFile(*envFile); err != nil {
		log.Fatalf("load env file: %v", err)
	}

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
		args = args[1:]
	}

	configFile := *configPath
	if configFile == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil, nil); err != nil {
			logger.Error("provider connectivity failed", "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// loadEnvFile loads an explicit env file, or ./.env when present. Existing
// environment variables win over file values.
func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// runConnect builds a fresh authorization request and follows it to the
// provider login page to confirm the registration is reachable.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, provided server.IdentityProvider, httpClient *http.Client) error {
	provider := provided
	if provider == nil {
		built, err := server.BuildProvider(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("build provider: %w", err)
		}
		provider = built
	}

	authReq, err := provider.AuthCodeURL()
	if err != nil {
		return fmt.Errorf("build authorization url: %w", err)
	}
	logger.Info("connect.start", "auth_url", authReq.URL, "redirect_uri", authReq.RedirectURI)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authReq.URL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authReq.URL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if _, err := server.BuildIssuer(cfg); err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating provider endpoints...")
	if _, err := server.BuildProvider(ctx, cfg, logger); err != nil {
		logger.Error("provider validation failed", "issuer", cfg.Provider.Issuer, "error", err)
		return err
	}

	logger.Info("configuration validation complete", "client_id", cfg.Provider.ClientID, "client_secret", cfg.Provider.ClientSecret)
	return nil
}

func runSetup(path string, reader *bufio.Reader, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for Google sign-in. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, "Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. auth.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.Server.FrontendRedirect = ask(reader, "Frontend callback URL (empty for JSON responses)", "")
	if cfg.Server.FrontendRedirect != "" {
		cfg.Server.AllowedOrigins = normalizeList(ask(reader, "Allowed frontend origins (comma separated)", originOf(cfg.Server.FrontendRedirect)), nil)
	}

	cfg.Provider.ClientID = askRequired(reader, "Google OAuth client ID")
	cfg.Provider.ClientSecret = server.Secret(askRequired(reader, "Google OAuth client secret"))
	cfg.Provider.RedirectURL = ask(reader, "OAuth redirect URL", cfg.Server.PublicURL+"/api/oauth/google/callback")

	keyPath := filepath.Join(filepath.Dir(path), "signing.jwk")
	if err := writeSigningKey(keyPath, cfg.Tokens.Algorithm); err != nil {
		return server.Config{}, err
	}
	cfg.Tokens.SigningKeyFile = keyPath
	logger.Info("signing key generated", "path", keyPath, "algorithm", cfg.Tokens.Algorithm)

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func writeSigningKey(path, alg string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	kid := fmt.Sprintf("k%d", time.Now().Unix())
	data, err := session.NewJWK(kid, alg)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	return nil
}

func originOf(rawURL string) string {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
