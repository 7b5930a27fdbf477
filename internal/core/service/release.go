package service

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

// stallReleaser clears ownership and hands the stall's leftovers back: goods
// to the custodian, escrow to the former owner.
type stallReleaser struct {
	repo      port.StallRepository
	custodian port.InventoryCustodian
	wallet    port.Wallet
	clock     port.Clock
	logger    *log.Logger
}

func (r stallReleaser) release(ctx context.Context, stall domain.Stall, intent domain.ReleaseStall) (*domain.Stall, error) {
	updated, err := r.repo.UpdateStall(ctx, stall.ID, stall.Version, intent)
	if err != nil {
		return nil, fmt.Errorf("%s stall %s: %w", intent.Name(), stall.ID, err)
	}

	// The stall is already released; what follows must not be abandoned.
	ctx = context.WithoutCancel(ctx)

	if r.custodian != nil {
		moved, err := r.custodian.TransferToCustody(ctx, stall)
		if err != nil {
			r.logger.Printf("release: custody transfer for stall %s failed: %v", stall.ID, err)
		} else {
			r.logger.Printf("release: moved %d listings of stall %s into custody", moved, stall.ID)
		}
	}

	if intent.PaidOut > 0 && r.wallet != nil {
		if err := r.wallet.Credit(ctx, stall.Owner, intent.PaidOut); err != nil {
			r.logger.Printf("release: CRITICAL escrow payout of %d to %s for stall %s failed: %v",
				intent.PaidOut, stall.Owner, stall.ID, err)
			return updated, nil
		}
		entry := domain.LedgerEntry{
			ID:        uuid.NewString(),
			StallID:   stall.ID,
			Kind:      domain.TransactionPayout,
			Amount:    -intent.PaidOut,
			Source:    domain.SourceEscrow,
			Persona:   stall.Owner,
			CreatedAt: r.clock.Now(),
		}
		if err := r.repo.SaveTransaction(ctx, entry); err != nil {
			r.logger.Printf("release: record payout for stall %s: %v", stall.ID, err)
		}
	}
	return updated, nil
}
