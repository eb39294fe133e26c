package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corepay/payhub/internal/logger"
	"github.com/corepay/payhub/internal/model"
)

func newTestEngine(t *testing.T) (*Engine, context.Context) {
	// in-memory SQLite, one database per test
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}, &model.OutboxEvent{}))

	// cache misses fall through to the DB, so the mock needs no expectations
	rdb, _ := redismock.NewClientMock()

	writer := &kafka.Writer{} // outbox rows only; nothing published in tests
	log, _ := logger.NewLogger("test")
	repository := NewRepository(db, rdb, writer, log)
	return NewEngine(repository, log), context.Background()
}

func countTxns(t *testing.T, e *Engine, ctx context.Context, walletID, txnType string) int64 {
	var n int64
	err := e.Repo().DB(ctx).Model(&model.Transaction{}).
		Where("wallet_id = ? AND type = ?", walletID, txnType).Count(&n).Error
	require.NoError(t, err)
	return n
}

func TestEngine_EndToEnd(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "11111111-1111-1111-1111-111111111111"

	w, err := e.EnsureWallet(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, user, w.UserID)
	assert.True(t, w.Balance.IsZero())

	// credit 100
	credit, err := e.Credit(ctx, user, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, model.TxnTypeCredit, credit.Type)
	assert.Equal(t, model.TxnStatusCompleted, credit.Status)

	bal, err := e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())

	// charge 40 reserves the funds
	charge, err := e.Charge(ctx, user, decimal.NewFromInt(40), "op-a")
	require.NoError(t, err)
	assert.Equal(t, model.TxnTypeDebit, charge.Type)
	assert.Equal(t, model.TxnStatusPending, charge.Status)

	bal, err = e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "60", bal.String())

	// confirm the reservation
	done, err := e.CompleteTransaction(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxnStatusCompleted, done.Status)

	// refund restores balance and back-references the original
	refunded, err := e.RefundTransaction(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxnStatusRefunded, refunded.Status)

	bal, err = e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())

	var refundTxn model.Transaction
	require.NoError(t, e.Repo().DB(ctx).
		Where("type = ? AND refund_of = ?", model.TxnTypeRefundCredit, charge.ID).
		First(&refundTxn).Error)
	assert.Equal(t, model.TxnStatusCompleted, refundTxn.Status)
	assert.True(t, refundTxn.Amount.Equal(decimal.NewFromInt(40)))
}

func TestEngine_ChargeIdempotentReplay(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "22222222-2222-2222-2222-222222222222"

	_, err := e.Credit(ctx, user, decimal.NewFromInt(100))
	require.NoError(t, err)

	first, err := e.Charge(ctx, user, decimal.NewFromInt(40), "op-a")
	require.NoError(t, err)

	// replay with the same operation id, even with a different amount,
	// returns the original record and mutates nothing
	replay, err := e.Charge(ctx, user, decimal.NewFromInt(999), "op-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.True(t, replay.Amount.Equal(decimal.NewFromInt(40)))

	bal, err := e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "60", bal.String())
	assert.EqualValues(t, 1, countTxns(t, e, ctx, first.WalletID, model.TxnTypeDebit))
}

func TestEngine_ChargeInsufficientFunds(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "33333333-3333-3333-3333-333333333333"

	_, err := e.Credit(ctx, user, decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = e.Charge(ctx, user, decimal.NewFromInt(10), "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err := e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "5", bal.String())
}

func TestEngine_RefundIdempotent(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "44444444-4444-4444-4444-444444444444"

	_, err := e.Credit(ctx, user, decimal.NewFromInt(50))
	require.NoError(t, err)
	charge, err := e.Charge(ctx, user, decimal.NewFromInt(20), "op-r")
	require.NoError(t, err)

	first, err := e.RefundTransaction(ctx, charge.ID)
	require.NoError(t, err)
	second, err := e.RefundTransaction(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.TxnStatusRefunded, second.Status)

	// no double credit
	bal, err := e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "50", bal.String())
	assert.EqualValues(t, 1, countTxns(t, e, ctx, charge.WalletID, model.TxnTypeRefundCredit))
}

func TestEngine_RefundPendingCharge(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "55555555-5555-5555-5555-555555555555"

	_, err := e.Credit(ctx, user, decimal.NewFromInt(30))
	require.NoError(t, err)
	charge, err := e.Charge(ctx, user, decimal.NewFromInt(30), "op-p")
	require.NoError(t, err)

	// cancelling a never-completed reservation releases the held funds
	refunded, err := e.RefundTransaction(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxnStatusRefunded, refunded.Status)

	bal, err := e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "30", bal.String())
}

func TestEngine_GetBalanceNoWallet(t *testing.T) {
	e, ctx := newTestEngine(t)

	bal, err := e.GetBalance(ctx, "66666666-6666-6666-6666-666666666666")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	// read must not create a wallet as a side effect
	var n int64
	require.NoError(t, e.Repo().DB(ctx).Model(&model.Wallet{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}

func TestEngine_EnsureWalletIdempotent(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "77777777-7777-7777-7777-777777777777"

	w1, err := e.EnsureWallet(ctx, user)
	require.NoError(t, err)
	w2, err := e.EnsureWallet(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)

	var n int64
	require.NoError(t, e.Repo().DB(ctx).Model(&model.Wallet{}).
		Where("user_id = ?", user).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestEngine_InvalidAmounts(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "88888888-8888-8888-8888-888888888888"

	_, err := e.Credit(ctx, user, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = e.Charge(ctx, user, decimal.NewFromInt(-1), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEngine_CompleteUnknownTransaction(t *testing.T) {
	e, ctx := newTestEngine(t)

	_, err := e.CompleteTransaction(ctx, "99999999-9999-9999-9999-999999999999")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = e.RefundTransaction(ctx, "99999999-9999-9999-9999-999999999999")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestEngine_CompleteIdempotent(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"

	_, err := e.Credit(ctx, user, decimal.NewFromInt(10))
	require.NoError(t, err)
	charge, err := e.Charge(ctx, user, decimal.NewFromInt(10), "op-c")
	require.NoError(t, err)

	first, err := e.CompleteTransaction(ctx, charge.ID)
	require.NoError(t, err)
	second, err := e.CompleteTransaction(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.TxnStatusCompleted, second.Status)
}

// Balance must equal the signed sum of completed transactions after an
// arbitrary mix of operations.
func TestEngine_BalanceInvariant(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"

	_, err := e.Credit(ctx, user, decimal.NewFromFloat(10.5))
	require.NoError(t, err)
	_, err = e.Credit(ctx, user, decimal.NewFromFloat(0.000001))
	require.NoError(t, err)
	c1, err := e.Charge(ctx, user, decimal.NewFromFloat(3.25), "inv-1")
	require.NoError(t, err)
	_, err = e.CompleteTransaction(ctx, c1.ID)
	require.NoError(t, err)
	c2, err := e.Charge(ctx, user, decimal.NewFromInt(2), "inv-2")
	require.NoError(t, err)
	_, err = e.RefundTransaction(ctx, c2.ID)
	require.NoError(t, err)

	w, err := e.EnsureWallet(ctx, user)
	require.NoError(t, err)

	var txns []model.Transaction
	require.NoError(t, e.Repo().DB(ctx).Where("wallet_id = ?", w.ID).Find(&txns).Error)

	sum := decimal.Zero
	for _, txn := range txns {
		switch txn.Type {
		case model.TxnTypeCredit, model.TxnTypeRefundCredit:
			if txn.Status == model.TxnStatusCompleted {
				sum = sum.Add(txn.Amount)
			}
		case model.TxnTypeDebit:
			// a debit holds funds from creation on; a refunded debit is
			// balanced by its refund_credit row
			sum = sum.Sub(txn.Amount)
		}
	}
	assert.True(t, w.Balance.Equal(sum), "balance %s != signed txn sum %s", w.Balance, sum)
}

func TestEngine_ConcurrentRefunds(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "88888888-8888-8888-8888-888888888888"

	_, err := e.Credit(ctx, user, decimal.NewFromInt(100))
	require.NoError(t, err)
	charge, err := e.Charge(ctx, user, decimal.NewFromInt(30), "op-race")
	require.NoError(t, err)
	_, err = e.CompleteTransaction(ctx, charge.ID)
	require.NoError(t, err)

	// two callers refund the same transaction at once; at most one may credit
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.RefundTransaction(ctx, charge.ID)
		}(i)
	}
	wg.Wait()

	// SQLite may abort the loser with a table-lock error instead of letting
	// it observe the winner's commit; at least one call must succeed
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.GreaterOrEqual(t, ok, 1)

	assert.EqualValues(t, 1, countTxns(t, e, ctx, charge.WalletID, model.TxnTypeRefundCredit))

	bal, err := e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())

	final, err := e.RefundTransaction(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxnStatusRefunded, final.Status)
}

func TestEngine_CompleteAfterRefundStaysRefunded(t *testing.T) {
	e, ctx := newTestEngine(t)
	const user = "99999999-9999-9999-9999-999999999999"

	_, err := e.Credit(ctx, user, decimal.NewFromInt(50))
	require.NoError(t, err)
	charge, err := e.Charge(ctx, user, decimal.NewFromInt(20), "op-back")
	require.NoError(t, err)
	_, err = e.RefundTransaction(ctx, charge.ID)
	require.NoError(t, err)

	// a refund is terminal; completing afterwards must not move it back
	done, err := e.CompleteTransaction(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxnStatusRefunded, done.Status)

	bal, err := e.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "50", bal.String())
	assert.EqualValues(t, 1, countTxns(t, e, ctx, charge.WalletID, model.TxnTypeRefundCredit))
}

func TestEngine_CacheOnlyCommittedBalance(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}, &model.OutboxEvent{}))

	rdb, mock := redismock.NewClientMock()
	log, _ := logger.NewLogger("test")
	e := NewEngine(NewRepository(db, rdb, &kafka.Writer{}, log), log)
	ctx := context.Background()

	const user = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	mock.ExpectSet("balance:"+user, "100", 5*time.Minute).SetVal("OK")

	_, err = e.Credit(ctx, user, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// a replayed charge mutates nothing, so it must not touch the cache
	mock.ExpectSet("balance:"+user, "60", 5*time.Minute).SetVal("OK")
	first, err := e.Charge(ctx, user, decimal.NewFromInt(40), "op-cache")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	replay, err := e.Charge(ctx, user, decimal.NewFromInt(40), "op-cache")
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
