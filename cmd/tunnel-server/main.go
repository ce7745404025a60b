// Command tunnel-server runs the tunnel server side (Server B): it accepts
// inbound relay connections, performs the SMTP-disguised handshake, and for
// each multiplexed channel dials the requested target. Grounded on
// original_source/smtp_server.py's main().
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/basinrelay/smtptunnel/internal/auth"
	"github.com/basinrelay/smtptunnel/internal/config"
	"github.com/basinrelay/smtptunnel/internal/metrics"
	"github.com/basinrelay/smtptunnel/internal/server"
	"github.com/basinrelay/smtptunnel/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "server.yaml", "path to server config file")
	flag.StringVar(configPath, "c", "server.yaml", "path to server config file (shorthand)")
	usersPath := flag.String("users", "", "path to users file (overrides server.users_file)")
	flag.StringVar(usersPath, "u", "", "path to users file (shorthand)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.BoolVar(debug, "d", false, "enable debug logging (shorthand)")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Printf("server: loading config: %v", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("server: invalid config: %v", err)
		return 1
	}

	usersFile := cfg.Server.UsersFile
	if *usersPath != "" {
		usersFile = *usersPath
	}
	configUsers, err := config.LoadUsers(usersFile)
	if err != nil {
		log.Printf("server: loading users: %v", err)
		return 1
	}
	if len(configUsers) == 0 {
		log.Printf("server: no users configured in %s", usersFile)
		return 1
	}
	users := make(map[string]auth.User, len(configUsers))
	for name, u := range configUsers {
		users[name] = auth.User{Username: u.Username, Secret: u.Secret, Logging: u.Logging}
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		log.Printf("server: loading certificate: %v", err)
		return 1
	}

	tracer, shutdownTelemetry, err := telemetry.Init("smtp-tunnel-server", telemetry.Config{
		OTLPEndpoint:            cfg.Observability.OTLPEndpoint,
		JaegerSamplingEndpoint:  cfg.Observability.JaegerSamplingEndpoint,
		SamplingRefreshInterval: time.Duration(cfg.Observability.SamplingRefreshInterval),
	})
	if err != nil {
		log.Printf("server: initializing telemetry: %v", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	mr := metrics.NewRegistry()
	if cfg.Observability.MetricsListen != "" {
		go func() {
			if err := http.ListenAndServe(cfg.Observability.MetricsListen, mr.Handler()); err != nil {
				log.Printf("server: metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := &server.Server{
		Hostname:    cfg.Server.Hostname,
		TLSConfig:   &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		Users:       users,
		Tracer:      tracer,
		Metrics:     mr,
		RateLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	log.Printf("server: listening on %s", addr)
	log.Printf("server: %d users loaded", len(users))

	if err := srv.ListenAndServe(ctx, addr); err != nil && ctx.Err() == nil {
		log.Printf("server: %v", err)
		return 1
	}
	return 0
}
