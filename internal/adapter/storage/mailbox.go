package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

// SQLMailbox delivers purchased goods into a persona's mailbox table.
type SQLMailbox struct {
	db *sql.DB
}

func NewSQLMailbox(db *sql.DB) *SQLMailbox {
	return &SQLMailbox{db: db}
}

func (m *SQLMailbox) Deliver(ctx context.Context, to domain.Character, product domain.Product, quantity int) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("deliver %d of %s: %w", quantity, product.ID, port.ErrDeliveryFailed)
	}
	id := uuid.NewString()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, persona, character_id, product_id, name, item_data, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(to.Persona), to.ID, product.ID, product.Name, product.ItemData, quantity, toMillis(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("insert delivery: %w: %w", port.ErrDeliveryFailed, err)
	}
	return id, nil
}

func (m *SQLMailbox) Destroy(ctx context.Context, to domain.Character, itemRef string) error {
	result, err := m.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE id = ? AND persona = ?`, itemRef, string(to.Persona))
	if err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("delivery %s not found for %s", itemRef, to.Persona)
	}
	return nil
}

// Count returns how many units persona has received.
func (m *SQLMailbox) Count(ctx context.Context, persona domain.PersonaID) (int, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT SUM(quantity) FROM deliveries WHERE persona = ?`, string(persona)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query deliveries: %w", err)
	}
	return int(total.Int64), nil
}
