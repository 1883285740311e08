// Package handler 结账 HTTP 接口
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/merchant/checkout/internal/service"
	commonerrors "github.com/merchant/checkout/pkg/errors"
	"github.com/merchant/checkout/pkg/logger"
	"github.com/merchant/checkout/pkg/response"
	"github.com/merchant/checkout/pkg/validate"
)

const (
	merchantHeader = "X-Merchant-ID"
	maxBodyBytes   = 1 << 20
)

// CheckoutAPI 结账服务
type CheckoutAPI interface {
	ProcessCheckout(ctx context.Context, req *service.CheckoutRequest) (*service.CheckoutResponse, error)
	GetTransactionStatus(ctx context.Context, transactionID, merchantID string) (*service.TransactionStatusDTO, error)
	CancelTransaction(ctx context.Context, transactionID, merchantID, reason string) (*service.CancellationResponse, error)
}

// CompensationAPI 补偿服务
type CompensationAPI interface {
	ExecuteCompensation(ctx context.Context, transactionID, merchantID, reason string) (*service.CompensationResult, error)
	RetryFailedCompensations(ctx context.Context, merchantID string) (*service.RetryResult, error)
}

type Handler struct {
	checkout     CheckoutAPI
	compensation CompensationAPI
	log          *logger.Logger
}

func New(checkout CheckoutAPI, compensation CompensationAPI, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{checkout: checkout, compensation: compensation, log: log}
}

// Register 注册路由
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /checkout/process", h.processCheckout)
	mux.HandleFunc("GET /checkout/transaction/{id}", h.getTransaction)
	mux.HandleFunc("POST /checkout/transaction/{id}/cancel", h.cancelTransaction)
	mux.HandleFunc("POST /compensation/{id}/execute", h.executeCompensation)
	mux.HandleFunc("POST /compensation/retry", h.retryCompensations)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) processCheckout(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchant(w, r)
	if !ok {
		return
	}
	var req service.CheckoutRequest
	if err := decode(r, &req); err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request body")
		return
	}
	req.MerchantID = merchantID

	resp, err := h.checkout.ProcessCheckout(r.Context(), &req)
	if err != nil {
		h.log.WithContext(r.Context()).WithMerchant(merchantID, "").WithError(err).Error("process checkout failed")
		response.WriteErr(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.ErrorCode != "" {
		status = commonerrors.New(commonerrors.Code(resp.ErrorCode), resp.ErrorMessage).HTTPStatus()
	}
	response.WriteJSON(w, status, resp)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchant(w, r)
	if !ok {
		return
	}
	out, err := h.checkout.GetTransactionStatus(r.Context(), r.PathValue("id"), merchantID)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchant(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request body")
		return
	}
	out, err := h.checkout.CancelTransaction(r.Context(), r.PathValue("id"), merchantID, req.Reason)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) executeCompensation(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchant(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "Manual compensation"
	}
	out, err := h.compensation.ExecuteCompensation(r.Context(), r.PathValue("id"), merchantID, req.Reason)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) retryCompensations(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchant(w, r)
	if !ok {
		return
	}
	out, err := h.compensation.RetryFailedCompensations(r.Context(), merchantID)
	if err != nil {
		h.log.WithContext(r.Context()).WithMerchant(merchantID, "").WithError(err).Error("retry compensations failed")
		response.WriteErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, out)
}

// merchant 读取并校验租户头，失败时已写入响应
func merchant(w http.ResponseWriter, r *http.Request) (string, bool) {
	merchantID := strings.TrimSpace(r.Header.Get(merchantHeader))
	if merchantID == "" {
		response.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "missing "+merchantHeader+" header")
		return "", false
	}
	if err := validate.MerchantID(merchantID); err != nil {
		response.WriteErr(w, r, err)
		return "", false
	}
	return merchantID, true
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}
