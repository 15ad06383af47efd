package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quickmark/tokenledger/pkg/payment"
	"github.com/quickmark/tokenledger/pkg/tokens"
	"go.uber.org/zap"
)

type generationCheckRequest struct {
	Units int64 `json:"units"`
}

type generationCommitRequest struct {
	Units     int64  `json:"units"`
	Operation string `json:"operation"`
}

type purchaseRequest struct {
	Tokens   int64  `json:"tokens"`
	Provider string `json:"provider"`
	Phone    string `json:"phone"`
}

type webhookRequest struct {
	TransactionUID string `json:"transaction_uid"`
	Status         string `json:"status"`
}

type pricingRequest struct {
	UnitPriceCents        int64 `json:"unit_price_cents"`
	PurchaseExpirySeconds int64 `json:"purchase_expiry_seconds"`
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.deps.Tokens.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balanceBody(balance))
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	records, err := handler.deps.Tokens.ListUsage(ctx.Request.Context(), userID, 0, usageHistoryLimit)
	if err != nil {
		handler.logger.Error("usage list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "usage unavailable"))
		return
	}
	items := make([]gin.H, 0, len(records))
	for _, record := range records {
		items = append(items, gin.H{
			"usage_id":    record.UsageID,
			"operation":   record.Operation,
			"tokens_used": int64(record.TokensUsed),
			"created_at":  record.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": items})
}

func (handler *httpHandler) handleGenerationCheck(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var request generationCheckRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := handler.deps.Tokens.CheckGeneration(ctx.Request.Context(), userID, request.Units)
	if err != nil {
		if errors.Is(err, tokens.ErrEmptyWorkload) {
			ctx.JSON(http.StatusBadRequest, errorResponse("empty_workload", "units must be a positive integer"))
			return
		}
		handler.logger.Error("generation check failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "check failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"sufficient": result.Sufficient,
		"required":   int64(result.Required),
		"available":  int64(result.Available),
		"missing":    int64(result.Missing),
		"unit_price": result.UnitPrice,
		"cost":       result.Cost,
	})
}

func (handler *httpHandler) handleGenerationCommit(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var request generationCommitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	produced, err := tokens.NewTokenCount(request.Units)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("empty_workload", "units must be a positive integer"))
		return
	}
	if request.Operation == "" {
		request.Operation = "barcode_generation"
	}
	tag, err := tokens.NewOperationTag(request.Operation)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_operation", "operation tag must not be empty"))
		return
	}
	balance, err := handler.deps.Tokens.CommitDebit(ctx.Request.Context(), userID, produced, tag)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrInsufficientAtCommit):
			ctx.JSON(http.StatusConflict, errorResponse("insufficient_at_commit", "balance changed since pre-flight check; units not billed"))
		case errors.Is(err, tokens.ErrAccountFrozen):
			ctx.JSON(http.StatusLocked, errorResponse("account_frozen", "account is frozen pending audit"))
		default:
			handler.logger.Error("debit commit failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "commit failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, balanceBody(balance))
}

func (handler *httpHandler) handleCreatePurchase(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requested, err := tokens.NewTokenCount(request.Tokens)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_tokens", "tokens must be a positive integer"))
		return
	}
	provider, err := payment.ParseProvider(request.Provider)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_provider", "unsupported payment provider"))
		return
	}
	phone, err := payment.NewPhoneNumber(request.Phone)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_phone", "phone number is not valid"))
		return
	}
	purchase, gatewayRequest, err := handler.deps.Intents.Create(ctx.Request.Context(), userID, requested, provider, phone)
	if err != nil {
		handler.logger.Error("purchase intent failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("payment_error", "purchase creation failed"))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"transaction_uid":  purchase.TransactionUID,
		"tokens_requested": purchase.TokensRequested,
		"local_amount":     purchase.LocalAmount,
		"local_currency":   purchase.LocalCurrency,
		"provider":         purchase.Provider,
		"status":           purchase.Status.String(),
		"gateway_request": gin.H{
			"phone":       gatewayRequest.Phone,
			"country":     gatewayRequest.Country,
			"telecom":     gatewayRequest.Telecom,
			"account_ref": gatewayRequest.AccountRef,
		},
	})
}

func (handler *httpHandler) handleListPurchases(ctx *gin.Context) {
	userID, ok := handler.requestUserID(ctx)
	if !ok {
		return
	}
	purchases, err := handler.deps.Payments.ListPurchases(ctx.Request.Context(), userID.String(), purchaseHistoryLimit)
	if err != nil {
		handler.logger.Error("purchase list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("payment_error", "purchases unavailable"))
		return
	}
	items := make([]gin.H, 0, len(purchases))
	for _, purchase := range purchases {
		items = append(items, gin.H{
			"transaction_uid":  purchase.TransactionUID,
			"tokens_requested": purchase.TokensRequested,
			"local_amount":     purchase.LocalAmount,
			"local_currency":   purchase.LocalCurrency,
			"provider":         purchase.Provider,
			"status":           purchase.Status.String(),
			"created_at":       purchase.CreatedUnixUTC,
			"completed_at":     purchase.CompletedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": items})
}

func (handler *httpHandler) handleCompletePurchase(ctx *gin.Context) {
	if _, ok := handler.requestUserID(ctx); !ok {
		return
	}
	handler.reconcile(ctx, ctx.Param("uid"), payment.OutcomeCompleted)
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var request webhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outcome, err := payment.ParseOutcome(request.Status)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_outcome", "status must be completed or failed"))
		return
	}
	handler.reconcile(ctx, request.TransactionUID, outcome)
}

func (handler *httpHandler) reconcile(ctx *gin.Context, transactionUID string, outcome payment.Outcome) {
	result, err := handler.deps.Reconciler.Reconcile(ctx.Request.Context(), transactionUID, outcome)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidTransactionUID) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_uid", "transaction uid is required"))
			return
		}
		handler.logger.Error("reconcile failed", zap.Error(err), zap.String("transaction_uid", transactionUID))
		ctx.JSON(http.StatusInternalServerError, errorResponse("payment_error", "reconciliation failed"))
		return
	}
	switch result {
	case payment.ResultNotFound:
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no purchase for transaction uid"))
	case payment.ResultAlreadyReconciled:
		// Expected under at-least-once webhook delivery.
		handler.logger.Info("duplicate reconciliation delivery", zap.String("transaction_uid", transactionUID))
		ctx.JSON(http.StatusOK, gin.H{"result": string(result)})
	default:
		ctx.JSON(http.StatusOK, gin.H{"result": string(result)})
	}
}

func (handler *httpHandler) handleReplacePricing(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !claims.hasRole(roleAdmin) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	var request pricingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	pricing, err := payment.NewPricing(request.UnitPriceCents, time.Duration(request.PurchaseExpirySeconds)*time.Second)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_pricing", "pricing values must be positive"))
		return
	}
	handler.deps.Pricing.Replace(pricing)
	ctx.JSON(http.StatusOK, gin.H{
		"unit_price_cents":        pricing.UnitPriceCents,
		"purchase_expiry_seconds": int64(pricing.PurchaseExpiry.Seconds()),
	})
}

func (handler *httpHandler) requestUserID(ctx *gin.Context) (tokens.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return tokens.UserID{}, false
	}
	userID, err := tokens.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject claim"))
		return tokens.UserID{}, false
	}
	return userID, true
}

func balanceBody(balance tokens.Balance) gin.H {
	return gin.H{
		"balance":         int64(balance.Tokens),
		"total_purchased": int64(balance.TotalPurchased),
		"total_used":      int64(balance.TotalUsed),
	}
}
