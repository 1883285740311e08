// Package service 结账 saga 与补偿引擎
package service

import (
	"context"

	"github.com/merchant/checkout/internal/model"
	"github.com/merchant/checkout/pkg/pii"
)

// TransactionStore 交易与补偿动作的持久化接口，所有操作按 merchantId 隔离
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error)
	GetTransaction(ctx context.Context, transactionID, merchantID string) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, transactionID, merchantID string, patch model.TransactionPatch) (*model.Transaction, error)
	AddCompensationAction(ctx context.Context, transactionID, merchantID string, in model.NewCompensationAction) (*model.CompensationAction, error)
	UpdateCompensationAction(ctx context.Context, transactionID, merchantID, actionID string, patch model.ActionPatch) (*model.CompensationAction, error)
	GetPendingCompensationActions(ctx context.Context, merchantID string) ([]*model.CompensationAction, error)
	ListCompensationActions(ctx context.Context, transactionID, merchantID string) ([]*model.CompensationAction, error)
	ListMerchantsWithRetryableActions(ctx context.Context) ([]string, error)
}

// PIIRedactor 结账使用的脱敏能力
type PIIRedactor interface {
	RedactQuery(text string) (string, []pii.Detection)
	TokenizePaymentData(ctx context.Context, data map[string]string, merchantID, userID string) (*pii.TokenizedPayment, error)
}

// Compensator 对一笔交易执行补偿
type Compensator interface {
	ExecuteCompensation(ctx context.Context, transactionID, merchantID, reason string) (*CompensationResult, error)
}
