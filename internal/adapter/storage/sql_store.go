package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/stall-market/internal/core/domain"
)

var ErrOptimisticLock = fmt.Errorf("optimistic lock conflict: %w", domain.ErrConflict)

const stallColumns = `id, area_key, tag, settlement_id, owner_persona, owner_name, name,
	daily_rent, escrow_balance, lifetime_sales, account_ref, lease_start, next_rent_due,
	suspended_at, deactivated_at, active, members, version, updated_at`

const productColumns = `id, stall_id, name, item_data, price, quantity, active, sold_out_at,
	consignor, sort_order, created_at, updated_at`

// SQLStore persists stalls, products and the stall ledger. Every statement is
// portable between MySQL and SQLite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type memberRecord struct {
	Persona            string `json:"persona"`
	CanManageInventory bool   `json:"can_manage_inventory"`
}

func encodeMembers(members []domain.Member) (string, error) {
	records := make([]memberRecord, 0, len(members))
	for _, m := range members {
		records = append(records, memberRecord{Persona: string(m.Persona), CanManageInventory: m.CanManageInventory})
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMembers(raw string) ([]domain.Member, error) {
	if raw == "" {
		return nil, nil
	}
	var records []memberRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, err
	}
	var members []domain.Member
	for _, r := range records {
		members = append(members, domain.Member{Persona: domain.PersonaID(r.Persona), CanManageInventory: r.CanManageInventory})
	}
	return members, nil
}

func scanStall(row rowScanner) (*domain.Stall, error) {
	var (
		s                      domain.Stall
		owner, members         string
		leaseStart, due, upd   int64
		suspended, deactivated sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.AreaKey, &s.Tag, &s.SettlementID, &owner, &s.OwnerName, &s.Name,
		&s.DailyRent, &s.EscrowBalance, &s.LifetimeSales, &s.AccountRef, &leaseStart, &due,
		&suspended, &deactivated, &s.Active, &members, &s.Version, &upd)
	if err != nil {
		return nil, err
	}
	s.Owner = domain.PersonaID(owner)
	s.LeaseStart = fromMillis(leaseStart)
	s.NextRentDue = fromMillis(due)
	s.SuspendedAt = fromNullMillis(suspended)
	s.DeactivatedAt = fromNullMillis(deactivated)
	s.UpdatedAt = fromMillis(upd)
	if s.Members, err = decodeMembers(members); err != nil {
		return nil, fmt.Errorf("decode members of stall %s: %w", s.ID, err)
	}
	return &s, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p                domain.Product
		consignor        string
		soldOut          sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.StallID, &p.Name, &p.ItemData, &p.Price, &p.Quantity, &p.Active,
		&soldOut, &consignor, &p.SortOrder, &created, &updated)
	if err != nil {
		return domain.Product{}, err
	}
	p.Consignor = domain.PersonaID(consignor)
	p.SoldOutAt = fromNullMillis(soldOut)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// CreateStall inserts a new stall row. It is used for provisioning; the
// market itself only mutates existing stalls.
func (m *SQLStore) CreateStall(ctx context.Context, s domain.Stall) error {
	members, err := encodeMembers(s.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO stalls (`+stallColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AreaKey, s.Tag, s.SettlementID, string(s.Owner), s.OwnerName, s.Name,
		s.DailyRent, s.EscrowBalance, s.LifetimeSales, s.AccountRef,
		toMillis(s.LeaseStart), toMillis(s.NextRentDue),
		nullMillis(s.SuspendedAt), nullMillis(s.DeactivatedAt), s.Active, members, s.Version,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert stall: %w", err)
	}
	return nil
}

func (m *SQLStore) GetStall(ctx context.Context, stallID string) (*domain.Stall, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+stallColumns+` FROM stalls WHERE id = ?`, stallID)
	s, err := scanStall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrStallNotFound, stallID)
	}
	if err != nil {
		return nil, fmt.Errorf("query stall: %w", err)
	}
	return s, nil
}

func (m *SQLStore) DueStalls(ctx context.Context, now time.Time) ([]domain.Stall, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+stallColumns+` FROM stalls
		WHERE owner_persona <> '' AND next_rent_due <= ?
		ORDER BY next_rent_due, id`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query due stalls: %w", err)
	}
	defer rows.Close()

	var stalls []domain.Stall
	for rows.Next() {
		s, err := scanStall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stall: %w", err)
		}
		stalls = append(stalls, *s)
	}
	return stalls, rows.Err()
}

// UpdateStall applies mutation to the stored row and writes it back only if
// the version is still expectedVersion.
func (m *SQLStore) UpdateStall(ctx context.Context, stallID string, expectedVersion int64, mutation domain.StallMutation) (*domain.Stall, error) {
	current, err := m.GetStall(ctx, stallID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%s stall %s at version %d (stored %d): %w",
			mutation.Name(), stallID, expectedVersion, current.Version, ErrOptimisticLock)
	}

	next := *current
	next.Members = append([]domain.Member(nil), current.Members...)
	if err := mutation.Apply(&next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%s stall %s: %w", mutation.Name(), stallID, err)
	}
	members, err := encodeMembers(next.Members)
	if err != nil {
		return nil, fmt.Errorf("encode members: %w", err)
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.UnixMilli(toMillis(time.Now())).UTC()

	result, err := m.db.ExecContext(ctx, `
		UPDATE stalls
		SET owner_persona = ?, owner_name = ?, name = ?, daily_rent = ?, escrow_balance = ?,
			lifetime_sales = ?, account_ref = ?, lease_start = ?, next_rent_due = ?,
			suspended_at = ?, deactivated_at = ?, active = ?, members = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Owner), next.OwnerName, next.Name, next.DailyRent, next.EscrowBalance,
		next.LifetimeSales, next.AccountRef, toMillis(next.LeaseStart), toMillis(next.NextRentDue),
		nullMillis(next.SuspendedAt), nullMillis(next.DeactivatedAt), next.Active, members,
		toMillis(next.UpdatedAt), stallID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update stall: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("%s stall %s: %w", mutation.Name(), stallID, ErrOptimisticLock)
	}
	return &next, nil
}

func (m *SQLStore) ProductsForStall(ctx context.Context, stallID string) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE stall_id = ?
		ORDER BY sort_order, created_at, id`, stallID)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (m *SQLStore) CreateProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.StallID, p.Name, p.ItemData, p.Price, p.Quantity, p.Active,
		nullMillis(p.SoldOutAt), string(p.Consignor), p.SortOrder,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (m *SQLStore) UpdateProductPrice(ctx context.Context, change domain.ProductPriceChange) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE products SET price = ?, updated_at = ?
		WHERE id = ? AND stall_id = ?`,
		change.Price, toMillis(time.Now()), change.ProductID, change.StallID,
	)
	if err != nil {
		return fmt.Errorf("update product price: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// MySQL reports changed rows, so an unchanged price also lands here.
		return m.productExists(ctx, change.StallID, change.ProductID)
	}
	return nil
}

func (m *SQLStore) RemoveProduct(ctx context.Context, removal domain.ProductRemoval) error {
	result, err := m.db.ExecContext(ctx,
		`DELETE FROM products WHERE id = ? AND stall_id = ? AND quantity = ?`,
		removal.ProductID, removal.StallID, removal.Quantity)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if err := m.productExists(ctx, removal.StallID, removal.ProductID); err != nil {
			return err
		}
		return fmt.Errorf("product %s stock changed: %w", removal.ProductID, ErrOptimisticLock)
	}
	return nil
}

func (m *SQLStore) productExists(ctx context.Context, stallID, productID string) error {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE id = ? AND stall_id = ?`, productID, stallID).Scan(&count)
	if err != nil {
		return fmt.Errorf("query product: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return nil
}

// CompletePurchase decrements stock, credits escrow and records the sale in a
// single transaction.
func (m *SQLStore) CompletePurchase(ctx context.Context, sale domain.Sale) error {
	if sale.Quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	now := toMillis(sale.CreatedAt)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// sold_out_at is assigned before quantity so both engines read the old quantity.
	result, err := tx.ExecContext(ctx, `
		UPDATE products
		SET sold_out_at = CASE WHEN quantity = ? THEN ? ELSE sold_out_at END,
			quantity = quantity - ?, updated_at = ?
		WHERE id = ? AND stall_id = ? AND active = ? AND quantity >= ?`,
		sale.Quantity, now, sale.Quantity, now,
		sale.ProductID, sale.StallID, true, sale.Quantity,
	)
	if err != nil {
		return fmt.Errorf("update product stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("product %s: %w", sale.ProductID, domain.ErrInsufficientStock)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE stalls
		SET escrow_balance = escrow_balance + ?, lifetime_sales = lifetime_sales + ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND owner_persona <> '' AND active = ? AND suspended_at IS NULL`,
		sale.Total(), sale.Total(), now, sale.StallID, true,
	)
	if err != nil {
		return fmt.Errorf("credit stall escrow: %w", err)
	}
	rows, _ = result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("stall %s closed during purchase: %w", sale.StallID, ErrOptimisticLock)
	}

	if err := insertTransaction(ctx, tx, sale.LedgerEntry()); err != nil {
		return err
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransaction(ctx context.Context, db execer, e domain.LedgerEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (id, stall_id, kind, amount, source, persona, product_id, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.StallID, string(e.Kind), e.Amount, string(e.Source), string(e.Persona),
		e.ProductID, e.Quantity, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (m *SQLStore) SaveTransaction(ctx context.Context, entry domain.LedgerEntry) error {
	return insertTransaction(ctx, m.db, entry)
}

func (m *SQLStore) Transactions(ctx context.Context, stallID string) ([]domain.LedgerEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, stall_id, kind, amount, source, persona, product_id, quantity, created_at
		FROM transactions WHERE stall_id = ?
		ORDER BY created_at, id`, stallID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e                     domain.LedgerEntry
			kind, source, persona string
			created               int64
		)
		if err := rows.Scan(&e.ID, &e.StallID, &kind, &e.Amount, &source, &persona,
			&e.ProductID, &e.Quantity, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		e.Kind = domain.TransactionKind(kind)
		e.Source = domain.PaymentSource(source)
		e.Persona = domain.PersonaID(persona)
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
