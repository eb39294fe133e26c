package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/corepay/payhub/internal/config"
	"github.com/corepay/payhub/internal/ledger"
)

// NewBillingRouter assembles the billing service's engine routes.
func NewBillingRouter(engine *ledger.Engine, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterBillingHandlers(r, engine)
	return r
}

// RegisterBillingHandlers mounts the wallet and transaction endpoints.
func RegisterBillingHandlers(r *gin.Engine, engine *ledger.Engine) {
	r.POST("/wallet/init", initWalletHandler(engine))
	r.POST("/wallet/credit", creditHandler(engine))
	r.GET("/wallet/balance", balanceHandler(engine))
	r.POST("/wallet/charge", chargeHandler(engine))
	r.POST("/txns/complete", completeHandler(engine))
	r.POST("/txns/refund", refundHandler(engine))
}

// ledgerError maps the ledger taxonomy onto HTTP statuses.
func ledgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type initWalletReq struct {
	UserID string `json:"userId" binding:"required"`
}

func initWalletHandler(engine *ledger.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := engine.EnsureWallet(c, req.UserID)
		if err != nil {
			ledgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"walletId": w.ID,
			"userId":   w.UserID,
			"balance":  w.Balance.String(),
		})
	}
}

type creditReq struct {
	UserID string `json:"userId" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func creditHandler(engine *ledger.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req creditReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		txn, err := engine.Credit(c, req.UserID, amt)
		if err != nil {
			ledgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "txnId": txn.ID})
	}
}

func balanceHandler(engine *ledger.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("userId")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}
		bal, err := engine.GetBalance(c, userID)
		if err != nil {
			ledgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
	}
}

type chargeReq struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	OperationID string `json:"operationId"`
}

func chargeHandler(engine *ledger.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chargeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		txn, err := engine.Charge(c, req.UserID, amt, req.OperationID)
		if err != nil {
			ledgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"txnId": txn.ID, "status": txn.Status})
	}
}

type txnReq struct {
	TxnID string `json:"txnId" binding:"required"`
}

func completeHandler(engine *ledger.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req txnReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		txn, err := engine.CompleteTransaction(c, req.TxnID)
		if err != nil {
			ledgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "txn": txn})
	}
}

func refundHandler(engine *ledger.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req txnReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := engine.RefundTransaction(c, req.TxnID); err != nil {
			ledgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
