package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stall-market/internal/adapter/handler"
	"github.com/rl1809/stall-market/internal/adapter/storage"
	"github.com/rl1809/stall-market/internal/adapter/world"
	"github.com/rl1809/stall-market/internal/config"
	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/core/service"
	"github.com/rl1809/stall-market/internal/port"
)

type app struct {
	cfg    config.Config
	logger *log.Logger

	db  *sql.DB
	rdb *redis.Client

	store     *storage.SQLStore
	ledger    *storage.SQLLedger
	custodian *storage.SQLCustodian
	mailbox   *storage.SQLMailbox
	presence  *world.Directory

	hub         *handler.Hub
	auth        *handler.Authenticator
	coordinator *service.PurchaseCoordinator
	negotiator  *service.ClaimNegotiator
	engine      *service.RentRenewalEngine
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Database.Driver, err)
	}
	return db, nil
}

func wireApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Printf("connected to %s", cfg.Database.Driver)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     storage.NewSQLStore(db),
		ledger:    storage.NewSQLLedger(db),
		custodian: storage.NewSQLCustodian(db, logger),
		mailbox:   storage.NewSQLMailbox(db),
		presence:  world.NewDirectory(),
		auth:      handler.NewAuthenticator(cfg.JWTSecret),
	}

	var idempotency port.IdempotencyStore
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		idempotency = storage.NewRedisAdapter(a.rdb)
		logger.Println("connected to redis")
	}

	a.coordinator = service.NewPurchaseCoordinator(service.CoordinatorDeps{
		Repo:        a.store,
		Wallet:      a.ledger,
		Accounts:    a.ledger,
		Presence:    a.presence,
		Delivery:    a.mailbox,
		Custodian:   a.custodian,
		Idempotency: idempotency,
		Logger:      logger,
	}, service.CoordinatorConfig{
		GracePeriod:  cfg.Billing.GracePeriod,
		RentInterval: cfg.Billing.RentInterval,
		MaxPrice:     cfg.Market.MaxPrice,
	})

	// The hub and the negotiator refer to each other.
	var negotiator *service.ClaimNegotiator
	a.hub = handler.NewHub(a.coordinator, handler.ClaimWindowsFunc(func(p domain.PersonaID) bool {
		return negotiator.WindowClosed(p)
	}), logger).WithPresence(a.presence)

	negotiator = service.NewClaimNegotiator(service.ClaimDeps{
		Repo:      a.store,
		Wallet:    a.ledger,
		Gateway:   a.ledger,
		Accounts:  a.ledger,
		Notifier:  a.hub,
		Publisher: a.coordinator,
		Logger:    logger,
	}, service.ClaimConfig{
		Timeout:      cfg.Market.ClaimTimeout,
		RentInterval: cfg.Billing.RentInterval,
	})
	a.negotiator = negotiator

	a.engine = service.NewRentRenewalEngine(service.RenewalDeps{
		Repo:      a.store,
		Gateway:   a.ledger,
		Wallet:    a.ledger,
		Custodian: a.custodian,
		Notifier:  a.hub,
		Publisher: a.coordinator,
		Logger:    logger,
	}, service.RenewalConfig{
		TickInterval: cfg.Billing.TickInterval,
		GracePeriod:  cfg.Billing.GracePeriod,
		RentInterval: cfg.Billing.RentInterval,
		WarmUp:       cfg.Billing.WarmUp,
	})
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.db.Close()
	a.logger.Println("connections closed")
}
