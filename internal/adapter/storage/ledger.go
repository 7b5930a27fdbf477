package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

// SQLLedger keeps persona wallets and settlement accounts. It implements
// port.Wallet, port.PaymentGateway and port.AccountDirectory.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

func (l *SQLLedger) Balance(ctx context.Context, persona domain.PersonaID) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE persona = ?`, string(persona)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query wallet: %w", err)
	}
	return balance, nil
}

func (l *SQLLedger) Debit(ctx context.Context, persona domain.PersonaID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit %d: negative amount", amount)
	}
	result, err := l.db.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - ?
		WHERE persona = ? AND balance >= ?`,
		amount, string(persona), amount,
	)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%s needs %d: %w", persona, amount, port.ErrInsufficientFunds)
	}
	return nil
}

func (l *SQLLedger) Credit(ctx context.Context, persona domain.PersonaID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %d: negative amount", amount)
	}
	for attempt := 0; attempt < 2; attempt++ {
		result, err := l.db.ExecContext(ctx,
			`UPDATE wallets SET balance = balance + ? WHERE persona = ?`, amount, string(persona))
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			return nil
		}
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO wallets (persona, balance) VALUES (?, ?)`, string(persona), amount)
		if err == nil {
			return nil
		}
		// A concurrent credit may have created the row; retry the update.
	}
	return fmt.Errorf("credit wallet %s: could not create wallet", persona)
}

// OpenAccount registers a settlement account with an opening balance.
func (l *SQLLedger) OpenAccount(ctx context.Context, persona domain.PersonaID, settlementID string, balance int64) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO accounts (id, persona, settlement_id, balance) VALUES (?, ?, ?, ?)`,
		id, string(persona), settlementID, balance,
	)
	if err != nil {
		return "", fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

func (l *SQLLedger) AccountBalance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, port.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query account: %w", err)
	}
	return balance, nil
}

func (l *SQLLedger) FindAccount(ctx context.Context, persona domain.PersonaID, settlementID string) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `
		SELECT id FROM accounts WHERE persona = ? AND settlement_id = ?
		ORDER BY id LIMIT 1`, string(persona), settlementID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s in settlement %s: %w", persona, settlementID, port.ErrAccountNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query account: %w", err)
	}
	return id, nil
}

// Withdraw debits the account and records the movement with its reason.
func (l *SQLLedger) Withdraw(ctx context.Context, persona domain.PersonaID, account string, amount int64, reason string) error {
	if amount < 0 {
		return fmt.Errorf("withdraw %d: negative amount: %w", amount, port.ErrWithdrawalRejected)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - ?
		WHERE id = ? AND persona = ? AND balance >= ?`,
		amount, account, string(persona), amount,
	)
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s cannot cover %d: %w", account, amount, port.ErrWithdrawalRejected)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_movements (id, account_id, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), account, -amount, port.TruncateReason(reason), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert account movement: %w", err)
	}

	return tx.Commit()
}
