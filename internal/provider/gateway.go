package provider

import (
	"context"
	"time"

	commonerrors "github.com/merchant/checkout/pkg/errors"
)

// GatewayClient 通过 HTTP 调用支付网关，每个支付方式一个实例
type GatewayClient struct {
	name string
	http jsonClient
}

func NewGatewayClient(name, baseURL string, timeout time.Duration) *GatewayClient {
	return &GatewayClient{name: name, http: newJSONClient(baseURL, timeout)}
}

type ChargePayload struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	Provider       string `json:"Provider"`
	Amount         string `json:"Amount"`
	Currency       string `json:"Currency"`
}

type ChargeResult struct {
	Success        bool   `json:"Success"`
	ConfirmationID string `json:"ConfirmationID"`
	ErrorCode      string `json:"ErrorCode"`
	ErrorMessage   string `json:"ErrorMessage"`
}

type RefundPayload struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	Provider       string `json:"Provider"`
	Reference      string `json:"Reference"`
	Amount         string `json:"Amount"`
	Currency       string `json:"Currency"`
}

type RefundResult struct {
	Success   bool   `json:"Success"`
	Status    string `json:"Status"`
	ErrorCode string `json:"ErrorCode"`
}

// WithToken 设置服务间调用令牌
func (c *GatewayClient) WithToken(token string) *GatewayClient {
	c.http.token = token
	return c
}

func (c *GatewayClient) Name() string { return c.name }

func (c *GatewayClient) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	var resp ChargeResult
	err := c.http.post(ctx, "/v1/charges", &ChargePayload{
		IdempotencyKey: req.IntentID,
		Provider:       c.name,
		Amount:         req.Amount.StringFixed(2),
		Currency:       req.Currency,
	}, &resp)
	if err != nil {
		return "", commonerrors.Newf(commonerrors.CodePaymentFailed, "%s charge failed: %v", c.name, err)
	}
	if !resp.Success || resp.ConfirmationID == "" {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = resp.ErrorCode
		}
		return "", commonerrors.Newf(commonerrors.CodePaymentFailed, "%s charge declined: %s", c.name, msg)
	}
	return resp.ConfirmationID, nil
}

func (c *GatewayClient) Refund(ctx context.Context, req RefundRequest) (RefundStatus, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = "refund:" + req.Reference
	}
	var resp RefundResult
	err := c.http.post(ctx, "/v1/refunds", &RefundPayload{
		IdempotencyKey: key,
		Provider:       c.name,
		Reference:      req.Reference,
		Amount:         req.Amount.StringFixed(2),
		Currency:       req.Currency,
	}, &resp)
	if err != nil {
		return "", commonerrors.Newf(commonerrors.CodeRefundFailed, "%s refund failed: %v", c.name, err)
	}
	if !resp.Success {
		return "", commonerrors.Newf(commonerrors.CodeRefundFailed, "%s refund declined: %s", c.name, resp.ErrorCode)
	}
	if resp.Status == string(RefundPending) {
		return RefundPending, nil
	}
	return RefundSucceeded, nil
}
