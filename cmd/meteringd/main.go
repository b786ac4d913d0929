package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentbazaar/metering/internal/billing"
	"github.com/agentbazaar/metering/internal/catalog"
	"github.com/agentbazaar/metering/internal/chatstore"
	chatpostgres "github.com/agentbazaar/metering/internal/chatstore/postgres"
	chatsqlite "github.com/agentbazaar/metering/internal/chatstore/sqlite"
	"github.com/agentbazaar/metering/internal/config"
	"github.com/agentbazaar/metering/internal/httpserver"
	identitysqlite "github.com/agentbazaar/metering/internal/identity/sqlite"
	"github.com/agentbazaar/metering/internal/ledger"
	ledgerpostgres "github.com/agentbazaar/metering/internal/ledger/postgres"
	ledgersqlite "github.com/agentbazaar/metering/internal/ledger/sqlite"
	"github.com/agentbazaar/metering/internal/logging"
	"github.com/agentbazaar/metering/internal/metrics"
	"github.com/agentbazaar/metering/internal/provider"
	"github.com/agentbazaar/metering/internal/provider/loopback"
	"github.com/agentbazaar/metering/internal/session"
	"github.com/agentbazaar/metering/internal/version"
)

const maxLogBytes = int64(300 * 1024 * 1024) // 300MB

func main() {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logCloser, err := logging.Setup(cfg.LogFile, maxLogBytes)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logCloser.Close()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[meteringd] ")

	log.Printf("agentbazaar metering %s starting env=%s", version.FullInfo(), cfg.Environment)

	ledgerStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerStore.Close()

	chatStore, err := openChatStore(cfg)
	if err != nil {
		log.Fatalf("open chat store: %v", err)
	}
	defer chatStore.Close()

	identityStore, err := identitysqlite.New(cfg.IdentityPath)
	if err != nil {
		log.Fatalf("open identity store: %v", err)
	}
	defer identityStore.Close()

	cat := catalog.NewStore()
	cat.SetLogger(logging.Component("catalog"))
	if _, err := cat.Load(cfg.CatalogPath); err != nil {
		log.Printf("catalog load failed (continuing with empty catalog): %v", err)
	}
	cat.StartAutoRefresh(catalog.LoaderConfig{
		LocalPath:       cfg.CatalogPath,
		RemoteURL:       cfg.CatalogURL,
		RefreshInterval: cfg.CatalogRefreshInterval,
	})

	collector := metrics.NewCollector()

	recorder := billing.NewRecorder(ledgerStore)
	recorder.SetLogger(logging.Component("billing"))

	controller := session.NewController(chatStore, recorder, cat)
	controller.SetLogger(logging.Component("session"))
	controller.SetMetrics(collector)
	defer controller.Close()

	var chat provider.ChatProvider = loopback.New()

	httpSrv := httpserver.New(httpserver.Options{
		Identity:      identityStore,
		Gate:          billing.NewGate(ledgerStore),
		Recorder:      recorder,
		Ledger:        ledgerStore,
		Controller:    controller,
		Messages:      chatStore,
		Provider:      chat,
		Catalog:       cat,
		Metrics:       collector,
		AuthDisabled:  cfg.AuthDisabled,
		WebhookSecret: cfg.WebhookSecret,
		Logger:        logging.Component("httpserver"),
	})
	if cfg.AuthDisabled {
		log.Printf("authorization disabled: requests run as the dev user")
	}
	if cfg.WebhookSecret == "" {
		log.Printf("webhook secret unset: credit grant endpoint rejects all requests")
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: chat responses stream for as long as the
		// provider keeps producing tokens.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("metering server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	// Deferred controller.Close drains any in-flight salvage writes before
	// the stores close.
}

func openLedger(cfg config.Config) (ledger.Store, error) {
	switch cfg.LedgerDriver {
	case "postgres":
		return ledgerpostgres.New(cfg.LedgerDSN, 10, 5, 30, 5)
	default:
		return ledgersqlite.New(cfg.LedgerPath)
	}
}

func openChatStore(cfg config.Config) (chatstore.Store, error) {
	switch cfg.ChatDriver {
	case "postgres":
		return chatpostgres.New(cfg.ChatDSN, 10, 5)
	default:
		return chatsqlite.New(cfg.ChatPath)
	}
}
