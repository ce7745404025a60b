// Command tunnel-relay runs the relay side (Server A) of the tunnel: it
// maintains one authenticated SMTP-disguised session to a tunnel server and
// forwards local TCP listeners to remote targets over it. Grounded on
// original_source/smtp_relay.py's main().
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/basinrelay/smtptunnel/internal/config"
	"github.com/basinrelay/smtptunnel/internal/handshake"
	"github.com/basinrelay/smtptunnel/internal/metrics"
	"github.com/basinrelay/smtptunnel/internal/relay"
	"github.com/basinrelay/smtptunnel/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "client.yaml", "path to relay config file")
	flag.StringVar(configPath, "c", "client.yaml", "path to relay config file (shorthand)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.BoolVar(debug, "d", false, "enable debug logging (shorthand)")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		log.Printf("relay: loading config: %v", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("relay: invalid config: %v", err)
		return 1
	}

	tracer, shutdownTelemetry, err := telemetry.Init("smtp-tunnel-relay", telemetry.Config{
		OTLPEndpoint:            cfg.Observability.OTLPEndpoint,
		JaegerSamplingEndpoint:  cfg.Observability.JaegerSamplingEndpoint,
		SamplingRefreshInterval: time.Duration(cfg.Observability.SamplingRefreshInterval),
	})
	if err != nil {
		log.Printf("relay: initializing telemetry: %v", err)
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
				log.Printf("relay: metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dial := func(dialCtx context.Context) (net.Conn, error) {
		var d net.Dialer
		addr := net.JoinHostPort(cfg.Client.ServerHost, strconv.Itoa(cfg.Client.ServerPort))
		return d.DialContext(dialCtx, "tcp", addr)
	}

	sv := relay.NewSupervisor(dial, handshake.ClientConfig{
		Username:      cfg.Client.Username,
		Secret:        cfg.Client.Secret,
		TLSServerName: cfg.Client.TLSServerName,
		CACertPath:    cfg.Client.CACert,
		DialedHost:    cfg.Client.ServerHost,
	}, tracer, mr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sv.Run(ctx, relay.Dispatcher{}); err != nil && ctx.Err() == nil {
			log.Printf("relay: supervisor stopped: %v", err)
		}
	}()

	acceptLimiter := rate.NewLimiter(rate.Limit(50), 100)

	for _, rule := range cfg.Forwards {
		fwd := &relay.Forwarder{Rule: rule, Supervisor: sv, AcceptLimiter: acceptLimiter, Metrics: mr}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fwd.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("relay: forwarder for %s stopped: %v", rule.Listen, err)
			}
		}()
	}

	<-ctx.Done()
	log.Print("relay: shutting down")
	wg.Wait()
	return 0
}
