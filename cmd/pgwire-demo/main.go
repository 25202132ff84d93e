// Command pgwire-demo connects to a PostgreSQL backend, runs a query, and
// listens for NOTIFY traffic until interrupted — a minimal exerciser for
// the pgwire session engine, grounded on dbbouncer's main.go wiring shape
// (config load, component construction, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbendium/pgwire"
	"github.com/arbendium/pgwire/internal/config"
	"github.com/arbendium/pgwire/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to an ambient pgwire config file (optional)")
	host := flag.String("host", "localhost", "PostgreSQL host")
	port := flag.Int("port", 5432, "PostgreSQL port")
	user := flag.String("user", "postgres", "PostgreSQL user")
	database := flag.String("database", "", "database name (defaults to user)")
	password := flag.String("password", "", "password (prefer PGPASSWORD env var)")
	query := flag.String("query", "SELECT 1", "query to run once connected")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	slog.SetLogLoggerLevel(cfg.Log.ParsedLevel())

	pw := *password
	if pw == "" {
		pw = os.Getenv("PGPASSWORD")
	}

	m := metrics.New()

	params := pgwire.ConnectionParameters{
		User:            *user,
		Database:        *database,
		Host:            *host,
		Port:            *port,
		ApplicationName: "pgwire-demo",
		ConnectTimeout:  cfg.Defaults.ConnectTimeout,
		QueryReadTimeout: cfg.Defaults.QueryReadTimeout,
		Password:        pgwire.PasswordLiteral(pw),
	}

	opts := []pgwire.SessionOption{pgwire.WithMetrics(m)}
	if cfg.Diagnostics.Enabled {
		opts = append(opts, pgwire.WithDiagServer(cfg.Diagnostics.Addr))
	}
	session := pgwire.NewSession(params, opts...)

	session.On(pgwire.EventNotification, func(n pgwire.Notification) {
		slog.Info("notification received", "channel", n.Channel, "payload", n.Payload)
	})
	session.On(pgwire.EventNotice, func(n pgwire.Notice) {
		slog.Info("server notice", "message", n.Message)
	})
	session.On(pgwire.EventError, func(err error) {
		slog.Error("session error", "err", err)
	})
	session.On(pgwire.EventEnd, func() {
		slog.Info("session ended")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	slog.Info("connected", "host", *host, "port", *port, "process_id", session.ProcessID())

	queryCtx, queryCancel := context.WithTimeout(context.Background(), 10*time.Second)
	result, err := session.Query(queryCtx, &pgwire.Query{Text: *query})
	queryCancel()
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	fmt.Printf("command: %s, rows: %d\n", result.CommandTag, result.RowCount)
	for _, row := range result.Rows {
		fmt.Println(row.Values())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer endCancel()
	if err := session.End(endCtx); err != nil {
		slog.Error("error ending session", "err", err)
	}
}
