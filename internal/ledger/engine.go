package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corepay/payhub/internal/model"
)

// Engine implements the wallet ledger: credit, charge (two-phase debit),
// balance read, completion and refund. Every operation runs as one store
// transaction; concurrent callers serialize on the wallet row, never on an
// application lock.
type Engine struct {
	repo RepositoryInterface
	log  *zap.SugaredLogger
}

// NewEngine returns Engine.
func NewEngine(r RepositoryInterface, logger *zap.SugaredLogger) *Engine {
	return &Engine{repo: r, log: logger}
}

// EnsureWallet returns the wallet for userID, creating an empty one if
// absent. Safe under concurrent first-time calls: the user_id unique index
// rejects the loser, which then re-reads the winner's row.
func (e *Engine) EnsureWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := e.repo.GetWalletByUser(ctx, e.repo.DB(ctx), userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	w = &model.Wallet{ID: uuid.NewString(), UserID: userID, Balance: decimal.Zero}
	err = e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.repo.CreateWallet(ctx, tx, w); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"wallet_id": w.ID, "user_id": userID})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: w.ID, EventType: "WalletCreated", Payload: string(payload),
		}
		return e.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return e.repo.GetWalletByUser(ctx, e.repo.DB(ctx), userID)
		}
		return nil, err
	}
	return w, nil
}

// lockOrCreateWallet resolves the wallet row for userID inside an open
// transaction, holding it FOR UPDATE for the rest of the unit.
func (e *Engine) lockOrCreateWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	w, err := e.repo.GetWalletByUserForUpdate(ctx, tx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	w = &model.Wallet{ID: uuid.NewString(), UserID: userID, Balance: decimal.Zero}
	if err := e.repo.CreateWallet(ctx, tx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Credit adds money; auto-creates the wallet if absent. The transaction is
// recorded completed immediately. Crediting carries no idempotency key;
// callers deduplicate on their side.
func (e *Engine) Credit(ctx context.Context, userID string, amt decimal.Decimal) (*model.Transaction, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var txn *model.Transaction
	var cacheBal decimal.Decimal
	run := func() error {
		return e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := e.lockOrCreateWallet(ctx, tx, userID)
			if err != nil {
				return err
			}
			newBal := w.Balance.Add(amt)
			txn = &model.Transaction{
				ID: uuid.NewString(), WalletID: w.ID,
				Type: model.TxnTypeCredit, Amount: amt, Status: model.TxnStatusCompleted,
			}
			if err := e.repo.CreateTransaction(ctx, tx, txn); err != nil {
				return err
			}
			if err := e.repo.UpdateWallet(ctx, tx, w.ID, newBal, w.Version); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]interface{}{"user_id": userID, "amount": amt, "balance": newBal})
			evt := &model.OutboxEvent{
				Aggregate: "Wallet", AggregateID: w.ID, EventType: "WalletCredited", Payload: string(payload),
			}
			if err := e.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
				return err
			}
			cacheBal = newBal
			return nil
		})
	}
	err := run()
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrConflict) {
		// lost a wallet-creation or version race; one re-read is enough
		err = run()
	}
	if err != nil {
		return nil, err
	}
	// only a committed balance may be cached
	if err := e.repo.CacheBalance(ctx, userID, cacheBal); err != nil {
		e.log.Warn(err)
	}
	return txn, nil
}

// GetBalance returns the current balance, zero when no wallet exists. It
// never creates a wallet.
func (e *Engine) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if bal, err := e.repo.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	w, err := e.repo.GetWalletByUser(ctx, e.repo.DB(ctx), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	if err := e.repo.CacheBalance(ctx, userID, w.Balance); err != nil {
		e.log.Warn(err)
	}
	return w.Balance, nil
}

// Charge reserves funds: it creates a pending debit and decrements the
// balance in one unit. When operationID is non-empty the charge is
// idempotent — a replay returns the original transaction untouched, even
// with a different amount. The uniqueness check and the balance mutation
// share the unit, so two concurrent charges with the same operationID
// cannot both debit; the loser's insert fails on the operation_id unique
// index and the winner's record is returned instead.
func (e *Engine) Charge(ctx context.Context, userID string, amt decimal.Decimal, operationID string) (*model.Transaction, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var txn *model.Transaction
	var cacheBal decimal.Decimal
	mutated := false
	run := func() error {
		mutated = false
		return e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			if operationID != "" {
				existing, err := e.repo.GetTransactionByOperationID(ctx, tx, operationID)
				if err == nil {
					txn = existing
					return nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
			w, err := e.lockOrCreateWallet(ctx, tx, userID)
			if err != nil {
				return err
			}
			if w.Balance.LessThan(amt) {
				return ErrInsufficientFunds
			}
			newBal := w.Balance.Sub(amt)
			t := &model.Transaction{
				ID: uuid.NewString(), WalletID: w.ID,
				Type: model.TxnTypeDebit, Amount: amt, Status: model.TxnStatusPending,
			}
			if operationID != "" {
				t.OperationID = &operationID
			}
			if err := e.repo.CreateTransaction(ctx, tx, t); err != nil {
				return err
			}
			if err := e.repo.UpdateWallet(ctx, tx, w.ID, newBal, w.Version); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]interface{}{"user_id": userID, "amount": amt, "balance": newBal, "txn_id": t.ID})
			evt := &model.OutboxEvent{
				Aggregate: "Wallet", AggregateID: w.ID, EventType: "WalletCharged", Payload: string(payload),
			}
			if err := e.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
				return err
			}
			cacheBal, mutated = newBal, true
			txn = t
			return nil
		})
	}
	err := run()
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrConflict) {
		if operationID != "" {
			if existing, lookupErr := e.repo.GetTransactionByOperationID(ctx, e.repo.DB(ctx), operationID); lookupErr == nil {
				return existing, nil
			}
		}
		err = run()
	}
	if err != nil {
		return nil, err
	}
	// replays mutate nothing and must not touch the cache either
	if mutated {
		if err := e.repo.CacheBalance(ctx, userID, cacheBal); err != nil {
			e.log.Warn(err)
		}
	}
	return txn, nil
}

// CompleteTransaction confirms a reserved charge. Completing an already
// settled transaction (completed or refunded) returns it unchanged; status
// never moves backward. The row is read under FOR UPDATE so a concurrent
// refund cannot slip between the status read and the transition.
func (e *Engine) CompleteTransaction(ctx context.Context, txnID string) (*model.Transaction, error) {
	var txn *model.Transaction
	run := func() error {
		return e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := e.repo.GetTransactionForUpdate(ctx, tx, txnID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrTransactionNotFound
				}
				return err
			}
			if t.Status != model.TxnStatusPending {
				txn = t
				return nil
			}
			if err := e.repo.UpdateTransactionStatus(ctx, tx, txnID, model.TxnStatusPending, model.TxnStatusCompleted); err != nil {
				return err
			}
			t.Status = model.TxnStatusCompleted
			txn = t
			return nil
		})
	}
	err := run()
	if errors.Is(err, ErrConflict) {
		// raced another settlement; re-read the committed status
		err = run()
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// RefundTransaction reverses a debit: the original transaction is marked
// refunded and a completed refund_credit transaction restores the amount,
// all in one unit. Refunding twice is a no-op returning the same record.
// Concurrent refunds of one id serialize on the transaction row's FOR
// UPDATE lock; the conditional status transition rejects any writer that
// still raced in with a stale status, so the credit applies exactly once.
// A still-pending charge may be refunded too; the reservation already
// held the funds, so cancelling it is treated exactly like a refund.
func (e *Engine) RefundTransaction(ctx context.Context, txnID string) (*model.Transaction, error) {
	var txn *model.Transaction
	var cacheUser string
	var cacheBal decimal.Decimal
	mutated := false
	run := func() error {
		mutated = false
		return e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := e.repo.GetTransactionForUpdate(ctx, tx, txnID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrTransactionNotFound
				}
				return err
			}
			if t.Status == model.TxnStatusRefunded {
				txn = t
				return nil
			}
			w, err := e.repo.GetWalletForUpdate(ctx, tx, t.WalletID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrWalletNotFound
				}
				return err
			}
			newBal := w.Balance.Add(t.Amount)
			if err := e.repo.UpdateTransactionStatus(ctx, tx, txnID, t.Status, model.TxnStatusRefunded); err != nil {
				return err
			}
			refund := &model.Transaction{
				ID: uuid.NewString(), WalletID: w.ID,
				Type: model.TxnTypeRefundCredit, Amount: t.Amount,
				Status: model.TxnStatusCompleted, RefundOf: &t.ID,
			}
			if err := e.repo.CreateTransaction(ctx, tx, refund); err != nil {
				return err
			}
			if err := e.repo.UpdateWallet(ctx, tx, w.ID, newBal, w.Version); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]interface{}{"user_id": w.UserID, "amount": t.Amount, "balance": newBal, "refund_of": t.ID})
			evt := &model.OutboxEvent{
				Aggregate: "Wallet", AggregateID: w.ID, EventType: "TransactionRefunded", Payload: string(payload),
			}
			if err := e.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
				return err
			}
			cacheUser, cacheBal, mutated = w.UserID, newBal, true
			t.Status = model.TxnStatusRefunded
			txn = t
			return nil
		})
	}
	err := run()
	if errors.Is(err, ErrConflict) {
		// raced another settlement; re-read the committed status
		err = run()
	}
	if err != nil {
		return nil, err
	}
	if mutated {
		if err := e.repo.CacheBalance(ctx, cacheUser, cacheBal); err != nil {
			e.log.Warn(err)
		}
	}
	return txn, nil
}

// Repo exposes underlying repository (unit tests helper).
func (e *Engine) Repo() RepositoryInterface {
	return e.repo
}
