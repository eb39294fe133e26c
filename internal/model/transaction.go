package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TxnTypeCredit       = "credit"
	TxnTypeDebit        = "debit"
	TxnTypeRefundCredit = "refund_credit"
)

// Transaction statuses. Status only moves forward:
// pending -> completed, or completed -> refunded.
const (
	TxnStatusPending   = "pending"
	TxnStatusCompleted = "completed"
	TxnStatusRefunded  = "refunded"
)

// Transaction is a ledger entry. Amount is an unsigned magnitude; the
// sign is carried by Type. RefundOf points at the original transaction
// when Type is refund_credit.
type Transaction struct {
	ID          string          `gorm:"type:uuid;primaryKey"`
	WalletID    string          `gorm:"type:uuid;not null;index"`
	Type        string          `gorm:"size:32;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status      string          `gorm:"size:32;not null"`
	OperationID *string         `gorm:"size:64;uniqueIndex"`
	RefundOf    *string         `gorm:"type:uuid"`
	CreatedAt   time.Time       `gorm:"autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }
