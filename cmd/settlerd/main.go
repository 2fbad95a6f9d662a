package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/msalopek/intent_settler/custody"
	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/settler"
	"github.com/msalopek/intent_settler/store"
	"github.com/msalopek/intent_settler/transport"
)

// node is one domain hosted by this process.
type node struct {
	cfg     *settler.Config
	db      *store.SQLite
	settler *settler.Settler
}

func main() {
	interval := flag.Int("interval", 2, "Mailbox delivery interval in seconds")
	logLevel := flag.String("log-level", "INFO", "Set the logging level")
	logFormat := flag.String("log-format", "json", "Set the log output format")
	configPaths := flag.String("config", "config.toml", "Comma separated config files, one per hosted domain")
	flag.Parse()

	setupLogging(*logFormat, *logLevel)
	settler.Register()

	hub := transport.NewHub(&log.Logger)
	var nodes []*node
	for _, path := range strings.Split(*configPaths, ",") {
		n, err := newNode(strings.TrimSpace(path), hub)
		if err != nil {
			log.Fatal().Err(err).Str("config", path).Msg("failed to start settler")
		}
		defer n.db.Close()
		nodes = append(nodes, n)
	}

	deliveryInterval := time.Duration(*interval) * time.Second
	if d := nodes[0].cfg.DeliveryInterval; d > 0 {
		deliveryInterval = time.Duration(d) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx, deliveryInterval)
	}()

	for _, n := range nodes {
		if n.cfg.Listen == "" {
			continue
		}
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			log.Info().Uint32("domain", n.cfg.LocalDomain).Str("listen", n.cfg.Listen).Msg("serving api")
			if err := settler.NewServer(n.settler).RunWithContext(ctx, n.cfg.Listen); err != nil {
				log.Error().Err(err).Uint32("domain", n.cfg.LocalDomain).Msg("server stopped")
				cancel()
			}
		}(n)
	}

	log.Info().
		Int("domains", len(nodes)).
		Dur("delivery_interval", deliveryInterval).
		Msg("settlerd started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}
	cancel()
	log.Info().Msg("waiting for ongoing operations to complete...")
	wg.Wait()
}

func newNode(path string, hub *transport.Hub) (*node, error) {
	cfg := settler.MustLoadConfig(path)
	dbPath := cfg.DB
	if dbPath == "" {
		dbPath = fmt.Sprintf("settler_%d.db", cfg.LocalDomain)
	}

	logger := log.Logger.With().Uint32("domain", cfg.LocalDomain).Logger()
	db, err := store.OpenSQLite(dbPath, &logger)
	if err != nil {
		return nil, err
	}

	paymaster := gas.NewPaymaster(&logger)
	s, err := settler.New(settler.Options{
		LocalDomain: cfg.LocalDomain,
		Address:     cfg.SettlerAddress(),
		Store:       db,
		Nonces:      nonce.NewRegistry(db, &logger),
		Custody:     custody.NewLedger(uint64(cfg.LocalDomain), cfg.Permit2Address(), &logger),
		Transport:   hub.Endpoint(cfg.LocalDomain, order.IdentityFromAddress(cfg.SettlerAddress())),
		Paymaster:   paymaster,
		Logger:      &logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := cfg.Apply(s, paymaster); err != nil {
		db.Close()
		return nil, err
	}
	hub.Register(cfg.LocalDomain, s.Identity(), s)
	return &node{cfg: cfg, db: db, settler: s}, nil
}

func setupLogging(logFormat, logLevel string) {
	if logFormat == "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		output.FormatMessage = func(i interface{}) string {
			return fmt.Sprintf("message: %s", i)
		}
		output.FormatFieldName = func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		}
		output.FormatFieldValue = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("%s", i))
		}
		log.Logger = log.Output(output)
	}

	switch strings.TrimSpace(strings.ToUpper(logLevel)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "INFO":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
