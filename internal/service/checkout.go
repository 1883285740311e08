package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/merchant/checkout/internal/events"
	"github.com/merchant/checkout/internal/metrics"
	"github.com/merchant/checkout/internal/model"
	"github.com/merchant/checkout/internal/provider"
	"github.com/merchant/checkout/internal/repository"
	"github.com/merchant/checkout/pkg/audit"
	commonerrors "github.com/merchant/checkout/pkg/errors"
	"github.com/merchant/checkout/pkg/logger"
	"github.com/merchant/checkout/pkg/saga"
	"github.com/merchant/checkout/pkg/tracing"
)

const (
	statusFailed = "failed"

	stepCreate  = "create_transaction"
	stepReserve = "reserve_inventory"
	stepCharge  = "charge_payment"
	stepConfirm = "confirm_transaction"
)

// CheckoutService 结账服务：校验 -> 脱敏 -> 限额 -> 建单 -> 预留库存 -> 扣款 -> 确认
type CheckoutService struct {
	store       TransactionStore
	payments    *provider.Registry
	inventory   provider.InventoryProvider
	compensator Compensator
	redactor    PIIRedactor
	validator   *CheckoutValidator
	audit       audit.Repository
	publisher   events.Publisher
	metrics     *metrics.Metrics
	log         *logger.Logger
	now         func() time.Time
}

// NewCheckoutService 创建结账服务
func NewCheckoutService(store TransactionStore, payments *provider.Registry, inventory provider.InventoryProvider, compensator Compensator, redactor PIIRedactor, validator *CheckoutValidator, auditRepo audit.Repository, metricsClient *metrics.Metrics, log *logger.Logger) *CheckoutService {
	if validator == nil {
		validator = NewCheckoutValidator(DefaultConsentWindow, "")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CheckoutService{
		store:       store,
		payments:    payments,
		inventory:   inventory,
		compensator: compensator,
		redactor:    redactor,
		validator:   validator,
		audit:       auditRepo,
		publisher:   events.NopPublisher{},
		metrics:     metricsClient,
		log:         log,
		now:         time.Now,
	}
}

func (s *CheckoutService) SetPublisher(p events.Publisher) {
	if p != nil {
		s.publisher = p
	}
}

// checkoutState saga 步骤之间传递的状态
type checkoutState struct {
	req          *CheckoutRequest
	start        time.Time
	order        *validatedOrder
	metadata     map[string]string
	tx           *model.Transaction
	confirmation string
	compensation *CompensationResult
}

// ProcessCheckout 执行结账 saga。业务失败返回 status=failed 的响应，error 仅用于请求本身无法处理
func (s *CheckoutService) ProcessCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	start := s.now()
	ctx, span := tracing.StartSpan(ctx, "checkout.process")
	defer span.End()

	var merchantID string
	if req != nil {
		merchantID = req.MerchantID
	}
	log := s.log.WithContext(ctx).WithMerchant(merchantID, "")

	// 1. 校验
	order, err := s.validator.Validate(req)
	if err != nil {
		return s.reject(ctx, req, "validate", err), nil
	}
	span.SetAttributes(
		attribute.String("merchant_id", merchantID),
		attribute.String("payment_method", string(order.method)),
	)
	// 2. 脱敏与令牌化
	metadata, err := s.protect(ctx, req, log)
	if err != nil {
		return s.reject(ctx, req, "protect", err), nil
	}

	// 3. 提供方限额，超限不建单也不调用提供方
	if err := s.payments.CheckLimit(order.method, order.total); err != nil {
		return s.reject(ctx, req, "check_limit", err), nil
	}

	state := &checkoutState{req: req, order: order, metadata: metadata, start: start}
	exec := saga.NewExecutor(s.compensate).WithHook(func(ctx context.Context, step string, f *saga.Failure) {
		if f != nil {
			tracing.AddEvent(ctx, "step_failed", attribute.String("step", step))
			return
		}
		tracing.AddEvent(ctx, "step_done", attribute.String("step", step))
	})
	out := exec.Run(ctx, state, []saga.Step[*checkoutState]{
		{Name: stepCreate, Run: s.createTransaction},
		{Name: stepReserve, Compensable: true, Run: s.reserveInventory},
		{Name: stepCharge, Run: s.chargePayment},
		{Name: stepConfirm, Run: s.confirm},
	})
	state = out.State

	if out.Succeeded() {
		return s.succeed(ctx, state), nil
	}
	return s.fail(ctx, state, out), nil
}

func (s *CheckoutService) createTransaction(ctx context.Context, st *checkoutState) saga.Result[*checkoutState] {
	tx, err := s.store.CreateTransaction(ctx, &model.Transaction{
		MerchantID:    st.req.MerchantID,
		UserID:        st.req.UserID,
		SessionID:     st.req.SessionID,
		Status:        model.TxPending,
		TotalAmount:   st.order.total,
		Currency:      st.order.currency,
		PaymentMethod: st.order.method,
		Metadata:      st.metadata,
	})
	if err != nil {
		return saga.Err(st, "Unable to create transaction", err)
	}
	st.tx = tx
	s.writeAudit(ctx, audit.NewRecord(audit.OpCheckoutAttempt, tx.MerchantID).
		WithTransaction(tx.TransactionID).
		WithUser(tx.UserID).
		WithParams(map[string]interface{}{
			"total_amount":   money(tx.TotalAmount),
			"currency":       tx.Currency,
			"payment_method": string(tx.PaymentMethod),
			"items":          len(st.order.items),
		}))
	return saga.Ok(st)
}

func (s *CheckoutService) reserveInventory(ctx context.Context, st *checkoutState) saga.Result[*checkoutState] {
	tx := st.tx
	reservationID, err := s.inventory.Reserve(ctx, tx.MerchantID, tx.TransactionID, st.order.reserve)
	if err != nil {
		return saga.Err(st, "Inventory reservation failed", err)
	}
	updated, err := s.store.UpdateTransaction(ctx, tx.TransactionID, tx.MerchantID, model.TransactionPatch{
		InventoryReserved:      model.Ptr(true),
		InventoryReservationID: model.Ptr(reservationID),
		ExpectStatus:           []model.TransactionStatus{model.TxPending},
	})
	if err != nil {
		// 预留未落库，补偿无从得知，立即释放
		if relErr := s.inventory.Release(ctx, tx.MerchantID, reservationID); relErr != nil {
			s.log.WithContext(ctx).WithMerchant(tx.MerchantID, tx.TransactionID).
				WithError(relErr).Errorf("release unrecorded reservation failed", map[string]interface{}{"reservation_id": reservationID})
		}
		return saga.Err(st, "Inventory reservation failed", err)
	}
	st.tx = updated
	return saga.Ok(st)
}

func (s *CheckoutService) chargePayment(ctx context.Context, st *checkoutState) saga.Result[*checkoutState] {
	tx := st.tx
	prov, err := s.payments.Get(tx.PaymentMethod)
	if err != nil {
		return saga.Err(st, "Payment processing failed", err)
	}

	// intent 先落库，扣款异常时补偿仍能按 intent 退款
	intentID := provider.IntentID(tx.TransactionID)
	updated, err := s.store.UpdateTransaction(ctx, tx.TransactionID, tx.MerchantID, model.TransactionPatch{
		PaymentIntentID: model.Ptr(intentID),
		ExpectStatus:    []model.TransactionStatus{model.TxPending},
	})
	if err != nil {
		return saga.Err(st, "Payment processing failed", err)
	}
	st.tx = updated

	confirmation, err := prov.Charge(ctx, provider.ChargeRequest{
		IntentID: intentID,
		Amount:   tx.TotalAmount,
		Currency: tx.Currency,
		Method:   tx.PaymentMethod,
	})
	if err != nil {
		return saga.Err(st, "Payment processing failed", err)
	}
	st.confirmation = confirmation
	return saga.Ok(st)
}

func (s *CheckoutService) confirm(ctx context.Context, st *checkoutState) saga.Result[*checkoutState] {
	tx := st.tx
	orderRef := fmt.Sprintf("ORD-%s-%d", tx.MerchantID, s.now().UnixMilli())
	updated, err := s.store.UpdateTransaction(ctx, tx.TransactionID, tx.MerchantID, model.TransactionPatch{
		Status:              model.Ptr(model.TxConfirmed),
		PaymentConfirmation: model.Ptr(st.confirmation),
		OrderReference:      model.Ptr(orderRef),
		ExpectStatus:        []model.TransactionStatus{model.TxPending},
	})
	if err != nil {
		return saga.Err(st, "Transaction confirmation failed", err)
	}
	st.tx = updated
	return saga.Ok(st)
}

// compensate 预留成功后的任何失败：先标记 failed，再交给补偿引擎
func (s *CheckoutService) compensate(ctx context.Context, st *checkoutState, f *saga.Failure) error {
	tx := st.tx
	if _, err := s.store.UpdateTransaction(ctx, tx.TransactionID, tx.MerchantID, model.TransactionPatch{
		Status:       model.Ptr(model.TxFailed),
		Metadata:     map[string]string{"failure_reason": f.Error()},
		ExpectStatus: []model.TransactionStatus{model.TxPending},
	}); err != nil && !errors.Is(err, repository.ErrStatusConflict) {
		s.log.WithContext(ctx).WithMerchant(tx.MerchantID, tx.TransactionID).WithError(err).Warn("mark transaction failed")
	}
	if s.compensator == nil {
		return errors.New("compensator not configured")
	}
	res, err := s.compensator.ExecuteCompensation(ctx, tx.TransactionID, tx.MerchantID, f.Error())
	st.compensation = res
	return err
}

func (s *CheckoutService) succeed(ctx context.Context, st *checkoutState) *CheckoutResponse {
	tx := st.tx
	log := s.log.WithContext(ctx).WithMerchant(tx.MerchantID, tx.TransactionID)

	s.metrics.ObserveCheckout(string(tx.PaymentMethod), string(model.TxConfirmed), s.now().Sub(st.start))
	s.writeAudit(ctx, audit.NewRecord(audit.OpCheckoutSuccess, tx.MerchantID).
		WithTransaction(tx.TransactionID).
		WithUser(tx.UserID).
		WithParams(map[string]interface{}{
			"total_amount":    money(tx.TotalAmount),
			"order_reference": tx.OrderReference,
			"payment_method":  string(tx.PaymentMethod),
		}))

	ev := events.NewEvent(events.TypeCheckoutConfirmed, tx.MerchantID, tx.TransactionID)
	ev.OrderReference = tx.OrderReference
	ev.WithAttribute("total_amount", money(tx.TotalAmount)).WithAttribute("currency", tx.Currency)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.IncEventPublishError(string(ev.Type))
		log.WithError(err).Warn("publish checkout confirmed failed")
	}

	log.Infof("checkout confirmed", map[string]interface{}{
		"order_reference": tx.OrderReference,
		"total_amount":    money(tx.TotalAmount),
	})
	return &CheckoutResponse{
		TransactionID:       tx.TransactionID,
		Status:              string(model.TxConfirmed),
		TotalAmount:         money(tx.TotalAmount),
		Currency:            tx.Currency,
		Items:               st.order.items,
		PaymentConfirmation: tx.PaymentConfirmation,
		OrderReference:      tx.OrderReference,
		CreatedAt:           formatTime(tx.CreatedAt),
	}
}

func (s *CheckoutService) fail(ctx context.Context, st *checkoutState, out saga.Outcome[*checkoutState]) *CheckoutResponse {
	f := out.Failure
	code := errorCode(f.Err)
	resp := &CheckoutResponse{
		Status:       statusFailed,
		TotalAmount:  money(decimal.Zero),
		Currency:     st.order.currency,
		ErrorCode:    string(code),
		ErrorMessage: failureMessage(f),
		Compensation: st.compensation,
	}
	if st.tx == nil {
		s.metrics.IncCheckoutRejected(string(code))
		s.auditFailure(ctx, st.req, "", f)
		return resp
	}

	tx := st.tx
	resp.TransactionID = tx.TransactionID
	log := s.log.WithContext(ctx).WithMerchant(tx.MerchantID, tx.TransactionID)

	if !out.Compensated {
		// 预留前失败，无副作用需要回滚
		if _, err := s.store.UpdateTransaction(ctx, tx.TransactionID, tx.MerchantID, model.TransactionPatch{
			Status:       model.Ptr(model.TxFailed),
			Metadata:     map[string]string{"failure_reason": f.Error()},
			ExpectStatus: []model.TransactionStatus{model.TxPending},
		}); err != nil {
			log.WithError(err).Warn("mark transaction failed")
		}
	} else if out.CompensationErr != nil {
		log.WithError(out.CompensationErr).Error("compensation could not run, transaction left for retry sweep")
	}

	s.metrics.ObserveCheckout(string(tx.PaymentMethod), statusFailed, s.now().Sub(st.start))
	s.auditFailure(ctx, st.req, tx.TransactionID, f)
	log.WithError(f).Warnf("checkout failed", map[string]interface{}{
		"step":        f.Step,
		"compensated": out.Compensated,
	})
	return resp
}

// reject 无副作用的拒绝
func (s *CheckoutService) reject(ctx context.Context, req *CheckoutRequest, step string, err error) *CheckoutResponse {
	code := errorCode(err)
	msg := err.Error()
	if e, ok := commonerrors.As(err); ok {
		msg = e.Message
	}
	s.metrics.IncCheckoutRejected(string(code))
	s.auditFailure(ctx, req, "", &saga.Failure{Step: step, Reason: msg, Err: err})

	var merchantID string
	if req != nil {
		merchantID = req.MerchantID
	}
	s.log.WithContext(ctx).WithMerchant(merchantID, "").Infof("checkout rejected", map[string]interface{}{
		"code":   code,
		"reason": msg,
		"step":   step,
	})
	return &CheckoutResponse{
		Status:       statusFailed,
		TotalAmount:  money(decimal.Zero),
		ErrorCode:    string(code),
		ErrorMessage: msg,
	}
}

func (s *CheckoutService) auditFailure(ctx context.Context, req *CheckoutRequest, transactionID string, f *saga.Failure) {
	if req == nil || req.MerchantID == "" {
		return
	}
	s.writeAudit(ctx, audit.NewRecord(audit.OpCheckoutFailure, req.MerchantID).
		WithTransaction(transactionID).
		WithUser(req.UserID).
		WithParams(map[string]interface{}{"step": f.Step, "payment_method": req.PaymentMethod}).
		WithResult(false, f.Reason))
}

// protect 地址与描述只以脱敏形式进入日志，支付字段替换为 token 后写入元数据
func (s *CheckoutService) protect(ctx context.Context, req *CheckoutRequest, log *logger.Logger) (map[string]string, error) {
	metadata := make(map[string]string, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if s.redactor == nil {
		if len(req.PaymentDetails) > 0 {
			return nil, commonerrors.New(commonerrors.CodeUnavailable, "Payment details could not be secured")
		}
		return metadata, nil
	}

	var redactions int
	redact := func(text string) string {
		if text == "" {
			return ""
		}
		clean, found := s.redactor.RedactQuery(text)
		redactions += len(found)
		return clean
	}
	for k, v := range metadata {
		metadata[k] = redact(v)
	}
	fields := map[string]interface{}{}
	if a := req.ShippingAddress; a != nil {
		fields["shipping_address"] = redact(a.String())
	}
	if a := req.BillingAddress; a != nil {
		fields["billing_address"] = redact(a.String())
	}
	var descriptions []string
	for _, item := range req.Items {
		if item.Description != "" {
			descriptions = append(descriptions, redact(item.Description))
		}
	}
	if len(descriptions) > 0 {
		fields["descriptions"] = descriptions
	}
	if len(fields) > 0 {
		log.Infof("checkout details", fields)
	}
	if redactions > 0 {
		metadata["pii_redactions"] = fmt.Sprintf("%d", redactions)
	}

	if len(req.PaymentDetails) > 0 {
		tokenized, err := s.redactor.TokenizePaymentData(ctx, req.PaymentDetails, req.MerchantID, req.UserID)
		if err != nil {
			log.WithError(err).Error("tokenize payment details failed")
			return nil, commonerrors.New(commonerrors.CodeUnavailable, "Payment details could not be secured")
		}
		keys := make([]string, 0, len(tokenized.TokenMappings))
		for field := range tokenized.TokenMappings {
			keys = append(keys, field)
		}
		sort.Strings(keys)
		for _, field := range keys {
			metadata["payment_token_"+strings.ToLower(field)] = tokenized.TokenMappings[field]
		}
		if last4, ok := tokenized.TokenizedData["card_last4"]; ok {
			metadata["card_last4"] = last4
		}
	}
	return metadata, nil
}

// GetTransactionStatus 查询交易及其补偿动作
func (s *CheckoutService) GetTransactionStatus(ctx context.Context, transactionID, merchantID string) (*TransactionStatusDTO, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID, merchantID)
	if err != nil {
		return nil, notFoundOr(transactionID, err)
	}
	actions, err := s.store.ListCompensationActions(ctx, transactionID, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list compensation actions: %w", err)
	}
	return toStatusDTO(tx, actions), nil
}

// CancelTransaction 主动取消：执行补偿计划并记录取消原因与退款状态
func (s *CheckoutService) CancelTransaction(ctx context.Context, transactionID, merchantID, reason string) (*CancellationResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "checkout.cancel")
	defer span.End()
	log := s.log.WithContext(ctx).WithMerchant(merchantID, transactionID)

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Cancellation requested"
	}

	tx, err := s.store.GetTransaction(ctx, transactionID, merchantID)
	if err != nil {
		return nil, notFoundOr(transactionID, err)
	}
	if tx.Status == model.TxCancelled {
		refund := tx.Metadata["refund_status"]
		if refund == "" {
			refund = RefundNotRequired
		}
		prior := tx.Metadata["cancellation_reason"]
		if prior == "" {
			prior = reason
		}
		return &CancellationResponse{
			TransactionID:      transactionID,
			Status:             string(model.TxCancelled),
			RefundStatus:       refund,
			CancellationReason: prior,
		}, nil
	}

	if _, err := s.store.UpdateTransaction(ctx, transactionID, merchantID, model.TransactionPatch{
		Metadata: map[string]string{"cancellation_reason": reason},
	}); err != nil {
		return nil, notFoundOr(transactionID, err)
	}

	if s.compensator == nil {
		return nil, commonerrors.New(commonerrors.CodeInternal, "compensation engine not configured")
	}
	res, err := s.compensator.ExecuteCompensation(ctx, transactionID, merchantID, reason)
	if err != nil {
		s.writeAudit(ctx, audit.NewRecord(audit.OpTransactionCancel, merchantID).
			WithTransaction(transactionID).
			WithUser(tx.UserID).
			WithParams(map[string]interface{}{"reason": reason}).
			WithResult(false, err.Error()))
		return nil, err
	}

	history, err := s.store.ListCompensationActions(ctx, transactionID, merchantID)
	if err != nil {
		log.WithError(err).Warn("list compensation actions failed")
	}
	refund := refundStatus(tx, history)
	if _, err := s.store.UpdateTransaction(ctx, transactionID, merchantID, model.TransactionPatch{
		Metadata: map[string]string{"refund_status": refund},
	}); err != nil {
		log.WithError(err).Warn("record refund status failed")
	}

	s.writeAudit(ctx, audit.NewRecord(audit.OpTransactionCancel, merchantID).
		WithTransaction(transactionID).
		WithUser(tx.UserID).
		WithParams(map[string]interface{}{
			"reason":        reason,
			"refund_status": refund,
			"prior_status":  string(tx.Status),
		}).
		WithResult(res.Success, strings.Join(res.Errors, "; ")))
	log.Infof("transaction cancelled", map[string]interface{}{
		"refund_status": refund,
		"final_status":  res.FinalStatus,
	})

	return &CancellationResponse{
		TransactionID:      transactionID,
		Status:             res.FinalStatus,
		RefundStatus:       refund,
		CancellationReason: reason,
		Compensation:       res,
	}, nil
}

// refundStatus 无支付引用不需要退款；退款动作已完成为 processing，否则等待重试
func refundStatus(tx *model.Transaction, history []*model.CompensationAction) string {
	if tx.PaymentReference() == "" {
		return RefundNotRequired
	}
	if _, ok := completedTypes(history)[model.ActionPaymentRefund]; ok {
		return RefundProcessing
	}
	return RefundRetryScheduled
}

func (s *CheckoutService) writeAudit(ctx context.Context, rec *audit.Record) {
	if s.audit == nil || rec == nil {
		return
	}
	rec.WithRequestID(logger.RequestIDFromContext(ctx))
	if err := s.audit.Create(ctx, rec); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("audit write failed")
	}
}

func notFoundOr(transactionID string, err error) error {
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return commonerrors.Newf(commonerrors.CodeTransactionNotFound, "Transaction %s not found", transactionID)
	}
	return err
}

// failureMessage 步骤原因附带提供方返回的业务说明
func failureMessage(f *saga.Failure) string {
	if e, ok := commonerrors.As(f.Err); ok && e.Message != "" && e.Message != f.Reason {
		return f.Reason + ": " + e.Message
	}
	return f.Reason
}

func errorCode(err error) commonerrors.Code {
	if e, ok := commonerrors.As(err); ok {
		return e.Code
	}
	return commonerrors.CodeInternal
}
