package ledger

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corepay/payhub/internal/logger"
	"github.com/corepay/payhub/internal/model"
)

func TestOptimisticLock_StaleVersionRejected(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:repolock?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}))

	db.Create(&model.Wallet{ID: "w-1", UserID: "u-1", Balance: decimal.NewFromInt(100)})

	repo := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger("test")))
	ctx := context.Background()

	w, err := repo.GetWalletByUser(ctx, db, "u-1")
	require.NoError(t, err)

	// first writer wins
	require.NoError(t, repo.UpdateWallet(ctx, db, w.ID, w.Balance.Add(decimal.NewFromInt(10)), w.Version))

	// second writer still holds the old version and must be rejected
	err = repo.UpdateWallet(ctx, db, w.ID, w.Balance.Add(decimal.NewFromInt(20)), w.Version)
	assert.ErrorIs(t, err, ErrConflict)

	var final model.Wallet
	require.NoError(t, db.First(&final, "id = ?", "w-1").Error)
	assert.Equal(t, "110", final.Balance.String())
	assert.EqualValues(t, 1, final.Version)
}

func TestRepo_OperationIDUnique(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:repoop?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}))

	repo := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger("test")))
	ctx := context.Background()

	op := "op-unique"
	first := &model.Transaction{
		ID: "t-1", WalletID: "w-1", Type: model.TxnTypeDebit,
		Amount: decimal.NewFromInt(5), Status: model.TxnStatusPending, OperationID: &op,
	}
	require.NoError(t, repo.CreateTransaction(ctx, db, first))

	dup := &model.Transaction{
		ID: "t-2", WalletID: "w-1", Type: model.TxnTypeDebit,
		Amount: decimal.NewFromInt(5), Status: model.TxnStatusPending, OperationID: &op,
	}
	err = repo.CreateTransaction(ctx, db, dup)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	got, err := repo.GetTransactionByOperationID(ctx, db, op)
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.ID)
}

func TestRepo_StatusTransitionGuard(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:repostatus?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}))

	repo := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger("test")))
	ctx := context.Background()

	txn := &model.Transaction{
		ID: "t-guard", WalletID: "w-1", Type: model.TxnTypeDebit,
		Amount: decimal.NewFromInt(5), Status: model.TxnStatusCompleted,
	}
	require.NoError(t, repo.CreateTransaction(ctx, db, txn))

	require.NoError(t, repo.UpdateTransactionStatus(ctx, db, txn.ID, model.TxnStatusCompleted, model.TxnStatusRefunded))

	// a writer that read the row before the refund holds a stale status
	// and must not transition the row again
	err = repo.UpdateTransactionStatus(ctx, db, txn.ID, model.TxnStatusCompleted, model.TxnStatusRefunded)
	assert.ErrorIs(t, err, ErrConflict)

	// and a refunded row never moves back to completed
	err = repo.UpdateTransactionStatus(ctx, db, txn.ID, model.TxnStatusPending, model.TxnStatusCompleted)
	assert.ErrorIs(t, err, ErrConflict)

	var final model.Transaction
	require.NoError(t, db.First(&final, "id = ?", txn.ID).Error)
	assert.Equal(t, model.TxnStatusRefunded, final.Status)
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}
