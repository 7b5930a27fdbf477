package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stall-market/internal/core/domain"
)

// SQLCustodian moves the listings of a released stall into the custody table,
// one transaction per listing.
type SQLCustodian struct {
	db     *sql.DB
	store  *SQLStore
	logger *log.Logger
}

func NewSQLCustodian(db *sql.DB, logger *log.Logger) *SQLCustodian {
	if logger == nil {
		logger = log.Default()
	}
	return &SQLCustodian{db: db, store: NewSQLStore(db), logger: logger}
}

// TransferToCustody returns how many listings with stock were moved. A listing
// that fails to move is logged and left on the stall.
func (c *SQLCustodian) TransferToCustody(ctx context.Context, stall domain.Stall) (int, error) {
	products, err := c.store.ProductsForStall(ctx, stall.ID)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, p := range products {
		if err := c.transfer(ctx, stall, p); err != nil {
			c.logger.Printf("custody: product %s of stall %s: %v", p.ID, stall.ID, err)
			continue
		}
		if p.Quantity > 0 {
			moved++
		}
	}
	return moved, nil
}

func (c *SQLCustodian) transfer(ctx context.Context, stall domain.Stall, p domain.Product) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if p.Quantity > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO custody (id, stall_id, product_id, persona, name, item_data, quantity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), stall.ID, p.ID, string(p.ReturnTo(stall.Owner)), p.Name, p.ItemData,
			p.Quantity, toMillis(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("insert custody: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ? AND stall_id = ?`, p.ID, stall.ID); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return tx.Commit()
}

// Held returns the total quantity in custody for persona.
func (c *SQLCustodian) Held(ctx context.Context, persona domain.PersonaID) (int, error) {
	var total sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT SUM(quantity) FROM custody WHERE persona = ?`, string(persona)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query custody: %w", err)
	}
	return int(total.Int64), nil
}
