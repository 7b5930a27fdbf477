package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stall-market/internal/adapter/storage"
	"github.com/rl1809/stall-market/internal/adapter/world"
	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/core/service"
)

const (
	stallID       = "stress-stall"
	productID     = "stress-item"
	seller        = domain.PersonaID("seller")
	initialStock  = 20
	totalRequests = 50
	unitPrice     = 10
	walletBalance = 100
)

func main() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "stall-market-stress")
	if err != nil {
		log.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	db, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(dir, "market.db"), storage.PoolConfig{})
	if err != nil {
		log.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	store := storage.NewSQLStore(db)
	ledger := storage.NewSQLLedger(db)
	quiet := log.New(io.Discard, "", 0)
	directory := world.NewDirectory()

	now := time.Now().UTC()
	if err := store.CreateStall(ctx, domain.Stall{
		ID:          stallID,
		Name:        "Stress Stall",
		Owner:       seller,
		OwnerName:   "Seller",
		DailyRent:   100,
		LeaseStart:  now,
		NextRentDue: now.Add(24 * time.Hour),
		Active:      true,
	}); err != nil {
		log.Fatalf("failed to create stall: %v", err)
	}
	if err := store.CreateProduct(ctx, domain.Product{
		ID:        productID,
		StallID:   stallID,
		Name:      "Last Unit",
		Price:     unitPrice,
		Quantity:  initialStock,
		Active:    true,
		Consignor: seller,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		log.Fatalf("failed to create product: %v", err)
	}

	coordinator := service.NewPurchaseCoordinator(service.CoordinatorDeps{
		Repo:      store,
		Wallet:    ledger,
		Accounts:  ledger,
		Presence:  directory,
		Delivery:  storage.NewSQLMailbox(db),
		Custodian: storage.NewSQLCustodian(db, quiet),
		Logger:    quiet,
	}, service.CoordinatorConfig{GracePeriod: time.Hour, RentInterval: 24 * time.Hour})

	// Every buyer is funded, present and holds an open session.
	sessions := make([]domain.Session, totalRequests)
	for i := range sessions {
		buyer := domain.PersonaID(fmt.Sprintf("buyer-%d", i))
		if err := ledger.Credit(ctx, buyer, walletBalance); err != nil {
			log.Fatalf("failed to fund %s: %v", buyer, err)
		}
		directory.Enter(domain.Character{ID: uuid.NewString(), Persona: buyer, Name: string(buyer)})
		sessions[i], err = coordinator.RegisterBuyer(ctx, stallID, buyer, service.SessionCallbacks{})
		if err != nil {
			log.Fatalf("failed to open session for %s: %v", buyer, err)
		}
	}

	// Counters
	var successCount atomic.Int32
	var failCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(session domain.Session) {
			defer wg.Done()

			_, err := coordinator.Purchase(ctx, service.PurchaseRequest{
				SessionID: session.ID,
				StallID:   stallID,
				Buyer:     session.Persona,
				ProductID: productID,
				Quantity:  1,
			})
			if err == nil {
				successCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}(sessions[i])
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == int32(initialStock) && fail == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d purchases succeeded, %d failed\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d fail, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, fail)
	}

	products, err := store.ProductsForStall(ctx, stallID)
	if err != nil {
		log.Fatalf("failed to load products: %v", err)
	}
	finalStock := -1
	for _, p := range products {
		if p.ID == productID {
			finalStock = p.Quantity
		}
	}
	fmt.Printf("Final Stock:      %d\n", finalStock)
	if finalStock == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", finalStock)
	}

	stall, err := store.GetStall(ctx, stallID)
	if err != nil {
		log.Fatalf("failed to load stall: %v", err)
	}
	if stall.EscrowBalance == int64(success)*unitPrice {
		fmt.Printf("PASS: Escrow holds %d\n", stall.EscrowBalance)
	} else {
		fmt.Printf("FAIL: Expected escrow %d, got %d\n", int64(success)*unitPrice, stall.EscrowBalance)
	}
}
