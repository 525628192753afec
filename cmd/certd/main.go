package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"certledger.org/internal/anchor"
	"certledger.org/internal/approval"
	"certledger.org/internal/auth"
	"certledger.org/internal/chain"
	"certledger.org/internal/chain/eth"
	"certledger.org/internal/config"
	"certledger.org/internal/httpapi"
	"certledger.org/internal/ledger"
	"certledger.org/internal/migrate"
	"certledger.org/internal/obs"
	"certledger.org/internal/recovery"
	"certledger.org/internal/store/pg"
	"certledger.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CERTD_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	if cfg.Auth.Secret != "" {
		auth.SetSecret(cfg.Auth.Secret)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo       approval.Repository = approval.NewMemoryRepository()
		dir        auth.Directory
		ready      = httpapi.ReadyProbe{}
		ledgerOpts []ledger.Option
		store      *pg.Store
	)
	if cfg.Database.DSN != "" {
		store, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		if cfg.Database.AutoMigrate {
			mgr := migrate.NewManager(store.DB(), migrate.Migrations(), migrate.Seeds())
			if err := mgr.Up(ctx); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		for _, m := range cfg.Auth.Members {
			if err := store.PutMember(ctx, m); err != nil {
				log.Fatalf("register member %s: %v", m.ID, err)
			}
		}
		repo, dir = store, store
		ready.DB = store.DB()
		ledgerOpts = append(ledgerOpts, ledger.WithStore(store))
	} else {
		mem, err := auth.NewMemoryDirectory(cfg.Auth.Members...)
		if err != nil {
			log.Fatalf("members: %v", err)
		}
		dir = mem
	}

	l := ledger.NewInMemory(ledgerOpts...)
	if err := initLedger(ctx, l); err != nil {
		log.Fatalf("ledger: %v", err)
	}

	client, err := newChainClient(ctx, cfg.Chain)
	if err != nil {
		log.Fatalf("chain: %v", err)
	}

	events := stream.New()
	wf := approval.New(repo, dir, approval.WithPublisher(events))
	anchors := anchor.New(wf, l, client,
		anchor.WithTimeout(cfg.Anchor.Timeout),
		anchor.WithPublisher(events),
	)
	go anchor.NewRetrier(anchors).Run(ctx, cfg.Anchor.RetryInterval)

	api := httpapi.New(httpapi.Deps{
		Ready:       ready,
		Version:     version,
		Ledger:      l,
		Approvals:   wf,
		Anchor:      anchors,
		Recovery:    recovery.New(client),
		Stream:      events,
		CORSOrigins: cfg.Server.CORSOrigins,
		RateBurst:   cfg.RateLimit.Burst,
		RatePerSec:  cfg.RateLimit.PerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Approvals may wait on the chain; SSE responses never end on their own.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewGRPCServer(ready, version, l)
		health.Register(grpcSrv)
		go health.Watch(ctx, 15*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	obs.Info("certd starting", map[string]any{
		"version":    version,
		"http_addr":  srv.Addr,
		"grpc_addr":  cfg.Server.GRPCAddr,
		"chain_mode": cfg.Chain.Mode,
		"postgres":   store != nil,
		"blocks":     l.Len(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("certd shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http shutdown", err, nil)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	obs.Info("certd stopped", nil)
}

// initLedger loads persisted blocks, creating genesis on an empty store.
// A chain that fails verification still starts: violations are reported.
func initLedger(ctx context.Context, l *ledger.InMemory) error {
	n, err := l.Load(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := l.Genesis(ctx, ledger.DefaultGenesisData()); err != nil {
			return err
		}
	}
	if rep := l.Verify(); !rep.Valid {
		obs.Warn("ledger integrity violations", map[string]any{
			"corrupted":  rep.Corrupted,
			"violations": len(rep.Violations),
		})
	}
	return nil
}

func newChainClient(ctx context.Context, cfg config.ChainConfig) (chain.Client, error) {
	if cfg.Mode != config.ChainEthereum {
		obs.Warn("using in-process chain; anchors are lost on restart", nil)
		return chain.NewMemory(cfg.ExplorerURL), nil
	}
	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return eth.Dial(dctx, eth.Config{
		RPCURL:        cfg.RPCURL,
		PrivateKeyHex: cfg.PrivateKey,
		ChainID:       cfg.ChainID,
		ExplorerBase:  cfg.ExplorerURL,
		PollInterval:  cfg.PollInterval,
	})
}
