package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/merchant/checkout/internal/events"
	"github.com/merchant/checkout/internal/metrics"
	"github.com/merchant/checkout/internal/model"
	"github.com/merchant/checkout/internal/provider"
	"github.com/merchant/checkout/internal/repository"
	"github.com/merchant/checkout/pkg/audit"
	commonerrors "github.com/merchant/checkout/pkg/errors"
	"github.com/merchant/checkout/pkg/logger"
	"github.com/merchant/checkout/pkg/tracing"
)

const notificationTemplate = "checkout_cancelled"

// CompensationService 按固定顺序执行补偿动作，单个动作失败不中断后续动作
type CompensationService struct {
	store      TransactionStore
	payments   *provider.Registry
	inventory  provider.InventoryProvider
	publisher  events.Publisher
	audit      audit.Repository
	metrics    *metrics.Metrics
	log        *logger.Logger
	maxRetries int
	now        func() time.Time
}

// NewCompensationService 创建补偿服务
func NewCompensationService(store TransactionStore, payments *provider.Registry, inventory provider.InventoryProvider, auditRepo audit.Repository, metricsClient *metrics.Metrics, log *logger.Logger) *CompensationService {
	if log == nil {
		log = logger.Nop()
	}
	return &CompensationService{
		store:      store,
		payments:   payments,
		inventory:  inventory,
		publisher:  events.NopPublisher{},
		audit:      auditRepo,
		metrics:    metricsClient,
		log:        log,
		maxRetries: model.DefaultMaxRetries,
		now:        time.Now,
	}
}

func (s *CompensationService) SetPublisher(p events.Publisher) {
	if p != nil {
		s.publisher = p
	}
}

func (s *CompensationService) SetMaxRetries(n int) {
	if n > 0 {
		s.maxRetries = n
	}
}

// ExecuteCompensation 回滚交易已产生的副作用
func (s *CompensationService) ExecuteCompensation(ctx context.Context, transactionID, merchantID, reason string) (*CompensationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "compensation.execute")
	defer span.End()
	span.SetAttributes(attribute.String("merchant_id", merchantID), attribute.String("transaction_id", transactionID))
	log := s.log.WithContext(ctx).WithMerchant(merchantID, transactionID)

	tx, err := s.store.GetTransaction(ctx, transactionID, merchantID)
	if err != nil {
		return nil, s.lookupError(transactionID, err)
	}

	result := &CompensationResult{
		TransactionID:   transactionID,
		ActionsExecuted: []string{},
		Errors:          []string{},
	}
	if tx.Status == model.TxCancelled {
		result.Success = true
		result.FinalStatus = string(model.TxCancelled)
		return result, nil
	}

	prior := tx.Status
	tx, err = s.store.UpdateTransaction(ctx, transactionID, merchantID, model.TransactionPatch{
		Status:       model.Ptr(model.TxCompensating),
		Metadata:     map[string]string{"compensation_reason": reason},
		ExpectStatus: model.SourcesFor(model.TxCompensating),
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			// 并发取消已完成
			if cur, getErr := s.store.GetTransaction(ctx, transactionID, merchantID); getErr == nil && cur.Status == model.TxCancelled {
				result.Success = true
				result.FinalStatus = string(model.TxCancelled)
				return result, nil
			}
			return nil, commonerrors.Newf(commonerrors.CodeInvalidTransition, "Transaction %s cannot be compensated", transactionID)
		}
		return nil, s.lookupError(transactionID, err)
	}
	s.writeAudit(ctx, audit.NewRecord(audit.OpCompensationStart, merchantID).
		WithTransaction(transactionID).
		WithUser(tx.UserID).
		WithParams(map[string]interface{}{"reason": reason, "prior_status": string(prior)}))
	log.Infof("compensation started", map[string]interface{}{"reason": reason, "prior_status": prior})

	existing, err := s.store.ListCompensationActions(ctx, transactionID, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list compensation actions: %w", err)
	}
	done := completedTypes(existing)
	attempts := lastRetryCounts(existing)

	for _, next := range s.plan(tx, reason) {
		if _, ok := done[next.ActionType]; ok {
			continue
		}
		// 再次执行沿用该类型已消耗的重试次数
		if n, ok := attempts[next.ActionType]; ok {
			next.RetryCount = min(n+1, next.MaxRetries)
		}
		action, err := s.store.AddCompensationAction(ctx, transactionID, merchantID, next)
		if errors.Is(err, repository.ErrActionClaimed) {
			log.Infof("compensation action claimed by another run", map[string]interface{}{"action_type": next.ActionType})
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", next.ActionType, err))
			log.WithError(err).Errorf("record compensation action failed", map[string]interface{}{"action_type": next.ActionType})
			s.recordUnstarted(ctx, transactionID, merchantID, next, err)
			continue
		}
		if execErr := s.runAction(ctx, action); execErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", action.ActionType, execErr))
			continue
		}
		result.ActionsExecuted = append(result.ActionsExecuted, string(action.ActionType))
	}

	result.FinalStatus = string(model.TxCompensating)
	if len(result.Errors) == 0 {
		final, err := s.settle(ctx, tx)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.FinalStatus = string(final)
		}
	}
	result.Success = len(result.Errors) == 0 && result.FinalStatus == string(model.TxCancelled)

	s.metrics.IncCompensationRun(result.Success)
	s.writeAudit(ctx, audit.NewRecord(audit.OpCompensationComplete, merchantID).
		WithTransaction(transactionID).
		WithUser(tx.UserID).
		WithParams(map[string]interface{}{
			"reason":           reason,
			"actions_executed": result.ActionsExecuted,
			"final_status":     result.FinalStatus,
		}).
		WithResult(result.Success, strings.Join(result.Errors, "; ")))

	switch {
	case result.Success:
		log.Infof("compensation completed", map[string]interface{}{"actions": result.ActionsExecuted})
	case len(result.Errors) == 0:
		log.Infof("compensation waiting on a concurrent run", map[string]interface{}{"actions": result.ActionsExecuted})
	default:
		tracing.SetError(ctx, errors.New(strings.Join(result.Errors, "; ")))
		log.Warnf("compensation incomplete, retry scheduled", map[string]interface{}{
			"actions": result.ActionsExecuted,
			"errors":  result.Errors,
		})
	}
	return result, nil
}

// RetryFailedCompensations 重新驱动租户下仍有重试额度的失败动作
func (s *CompensationService) RetryFailedCompensations(ctx context.Context, merchantID string) (*RetryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "compensation.retry")
	defer span.End()
	span.SetAttributes(attribute.String("merchant_id", merchantID))

	pending, err := s.store.GetPendingCompensationActions(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("get pending compensation actions: %w", err)
	}

	res := &RetryResult{}
	touched := make(map[string]struct{})
	var order []string
	for _, old := range pending {
		log := s.log.WithContext(ctx).WithMerchant(merchantID, old.TransactionID)

		if _, err := s.store.GetTransaction(ctx, old.TransactionID, merchantID); err != nil {
			log.WithError(err).Warn("skip retry: transaction unavailable")
			continue
		}
		history, err := s.store.ListCompensationActions(ctx, old.TransactionID, merchantID)
		if err != nil {
			log.WithError(err).Warn("skip retry: list actions failed")
			continue
		}

		if _, ok := touched[old.TransactionID]; !ok {
			touched[old.TransactionID] = struct{}{}
			order = append(order, old.TransactionID)
		}

		if doneID, ok := completedTypes(history)[old.ActionType]; ok {
			// 同类型动作已完成，标记取代后不再出现在待重试列表
			if _, err := s.store.UpdateCompensationAction(ctx, old.TransactionID, merchantID, old.ActionID, model.ActionPatch{
				SupersededBy:        model.Ptr(doneID),
				RequireUnsuperseded: true,
			}); err == nil {
				res.Skipped++
			}
			continue
		}

		nextID := uuid.NewString()
		_, err = s.store.UpdateCompensationAction(ctx, old.TransactionID, merchantID, old.ActionID, model.ActionPatch{
			SupersededBy:        model.Ptr(nextID),
			RequireUnsuperseded: true,
		})
		if err != nil {
			if !errors.Is(err, repository.ErrActionSuperseded) {
				log.WithError(err).Warn("claim compensation action failed")
			}
			continue
		}

		attempt, err := s.store.AddCompensationAction(ctx, old.TransactionID, merchantID, model.NewCompensationAction{
			ActionID:   nextID,
			ActionType: old.ActionType,
			Metadata:   old.Metadata,
			RetryCount: old.RetryCount + 1,
			MaxRetries: old.MaxRetries,
		})
		if errors.Is(err, repository.ErrActionClaimed) {
			// 其他执行者已接管该类型，旧尝试保持取代状态
			res.Skipped++
			continue
		}
		if err != nil {
			// 释放认领，下次扫描再试
			_, _ = s.store.UpdateCompensationAction(ctx, old.TransactionID, merchantID, old.ActionID, model.ActionPatch{
				SupersededBy: model.Ptr(""),
			})
			log.WithError(err).Error("create retry attempt failed")
			continue
		}

		res.Retried++
		if execErr := s.runAction(ctx, attempt); execErr != nil {
			res.Failed++
			if attempt.RetryCount >= attempt.MaxRetries {
				res.Terminal++
			}
			continue
		}
		res.Succeeded++
	}

	for _, txID := range order {
		s.finishIfResolved(ctx, txID, merchantID)
	}

	s.metrics.AddRetryActions(res.Succeeded, res.Failed)
	if res.Retried > 0 || res.Skipped > 0 {
		s.log.WithContext(ctx).WithMerchant(merchantID, "").Infof("compensation retry finished", map[string]interface{}{
			"retried":   res.Retried,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"terminal":  res.Terminal,
			"skipped":   res.Skipped,
		})
	}
	return res, nil
}

// plan 依据交易当前状态生成补偿动作，顺序固定
func (s *CompensationService) plan(tx *model.Transaction, reason string) []model.NewCompensationAction {
	wrap := func(p model.ActionPayload) model.NewCompensationAction {
		return model.NewCompensationAction{
			ActionType: p.ActionType(),
			MaxRetries: s.maxRetries,
			Metadata: model.ActionMetadata{
				TransactionID: tx.TransactionID,
				MerchantID:    tx.MerchantID,
				Reason:        reason,
				Payload:       p,
			},
		}
	}

	var out []model.NewCompensationAction
	if tx.InventoryReserved {
		out = append(out, wrap(model.InventoryRelease{ReservationID: tx.InventoryReservationID}))
	}
	if ref := tx.PaymentReference(); ref != "" {
		out = append(out, wrap(model.PaymentRefund{
			Provider:         tx.PaymentMethod,
			PaymentReference: ref,
			Amount:           tx.TotalAmount,
			Currency:         tx.Currency,
		}))
	}
	out = append(out, wrap(model.OrderCancel{OrderReference: tx.OrderReference}))
	out = append(out, wrap(model.NotificationSend{
		UserID:    tx.UserID,
		SessionID: tx.SessionID,
		Template:  notificationTemplate,
	}))
	return out
}

// runAction 执行动作并落库结果
func (s *CompensationService) runAction(ctx context.Context, action *model.CompensationAction) error {
	ctx, span := tracing.StartSpan(ctx, "compensation.action")
	defer span.End()
	span.SetAttributes(
		attribute.String("action_type", string(action.ActionType)),
		attribute.Int("retry_count", action.RetryCount),
	)

	execErr := s.execute(ctx, action)
	now := s.now().UTC()
	patch := model.ActionPatch{
		Status:     model.Ptr(model.ActionCompleted),
		ExecutedAt: &now,
	}
	if execErr != nil {
		tracing.SetError(ctx, execErr)
		patch.Status = model.Ptr(model.ActionFailed)
		patch.ErrorMessage = model.Ptr(execErr.Error())
	}
	log := s.log.WithContext(ctx).WithMerchant(action.MerchantID, action.TransactionID)
	if _, err := s.store.UpdateCompensationAction(ctx, action.TransactionID, action.MerchantID, action.ActionID, patch); err != nil {
		if execErr == nil {
			execErr = fmt.Errorf("record completion: %w", err)
		}
		log.WithError(err).Errorf("update compensation action failed", map[string]interface{}{"action_id": action.ActionID})
	}
	patch.Apply(action)

	s.metrics.IncCompensationAction(string(action.ActionType), string(action.Status))
	if execErr != nil && action.RetryCount >= action.MaxRetries {
		s.metrics.IncCompensationTerminal(string(action.ActionType))
		log.WithError(execErr).Errorf("compensation action exhausted retries, manual intervention required", map[string]interface{}{
			"action_id":   action.ActionID,
			"action_type": action.ActionType,
			"retry_count": action.RetryCount,
		})
	}
	return execErr
}

func (s *CompensationService) execute(ctx context.Context, action *model.CompensationAction) error {
	meta := action.Metadata
	switch p := meta.Payload.(type) {
	case model.InventoryRelease:
		if s.inventory == nil {
			return errors.New("inventory provider not configured")
		}
		return s.inventory.Release(ctx, action.MerchantID, p.ReservationID)
	case model.PaymentRefund:
		if s.payments == nil {
			return errors.New("payment registry not configured")
		}
		prov, err := s.payments.Get(p.Provider)
		if err != nil {
			return err
		}
		_, err = prov.Refund(ctx, provider.RefundRequest{
			Reference:      p.PaymentReference,
			Amount:         p.Amount,
			Currency:       p.Currency,
			IdempotencyKey: "refund:" + action.TransactionID,
		})
		return err
	case model.OrderCancel:
		ev := events.NewEvent(events.TypeOrderCancelled, action.MerchantID, action.TransactionID)
		ev.OrderReference = p.OrderReference
		ev.Reason = meta.Reason
		return s.publish(ctx, ev)
	case model.NotificationSend:
		ev := events.NewEvent(events.TypeNotification, action.MerchantID, action.TransactionID).
			WithAttribute("template", p.Template).
			WithAttribute("userId", p.UserID).
			WithAttribute("sessionId", p.SessionID)
		ev.Reason = meta.Reason
		return s.publish(ctx, ev)
	default:
		return fmt.Errorf("unsupported compensation payload %T", p)
	}
}

func (s *CompensationService) publish(ctx context.Context, ev *events.Event) error {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.IncEventPublishError(string(ev.Type))
		return err
	}
	return nil
}

// recordUnstarted 动作记录写入失败时补写一条失败记录，交给重试扫描
func (s *CompensationService) recordUnstarted(ctx context.Context, transactionID, merchantID string, next model.NewCompensationAction, cause error) {
	log := s.log.WithContext(ctx).WithMerchant(merchantID, transactionID)
	marker, err := s.store.AddCompensationAction(ctx, transactionID, merchantID, next)
	if errors.Is(err, repository.ErrActionClaimed) {
		return
	}
	if err != nil {
		log.WithError(err).Errorf("compensation action left unrecorded, transaction stays compensating", map[string]interface{}{"action_type": next.ActionType})
		return
	}
	if _, err := s.store.UpdateCompensationAction(ctx, transactionID, merchantID, marker.ActionID, model.ActionPatch{
		Status:       model.Ptr(model.ActionFailed),
		ErrorMessage: model.Ptr("not started: " + cause.Error()),
	}); err != nil {
		log.WithError(err).Errorf("mark unstarted compensation action failed", map[string]interface{}{"action_id": marker.ActionID})
	}
}

// plannedTypes 交易当前需要的补偿动作类型
func (s *CompensationService) plannedTypes(tx *model.Transaction) []model.ActionType {
	plan := s.plan(tx, "")
	out := make([]model.ActionType, 0, len(plan))
	for _, p := range plan {
		out = append(out, p.ActionType)
	}
	return out
}

// unresolved 返回计划内尚无完成记录的动作类型
func (s *CompensationService) unresolved(ctx context.Context, tx *model.Transaction) ([]model.ActionType, error) {
	history, err := s.store.ListCompensationActions(ctx, tx.TransactionID, tx.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("list compensation actions: %w", err)
	}
	done := completedTypes(history)
	var missing []model.ActionType
	for _, t := range s.plannedTypes(tx) {
		if _, ok := done[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// settle 计划内动作全部完成时 compensating -> cancelled；并发执行者已结束时同样视为 cancelled
func (s *CompensationService) settle(ctx context.Context, tx *model.Transaction) (model.TransactionStatus, error) {
	missing, err := s.unresolved(ctx, tx)
	if err != nil {
		return model.TxCompensating, err
	}
	if len(missing) > 0 {
		return model.TxCompensating, nil
	}
	if err := s.finish(ctx, tx.TransactionID, tx.MerchantID, nil); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			cur, getErr := s.store.GetTransaction(ctx, tx.TransactionID, tx.MerchantID)
			if getErr == nil && cur.Status == model.TxCancelled {
				return model.TxCancelled, nil
			}
		}
		return model.TxCompensating, err
	}
	return model.TxCancelled, nil
}

// finish compensating -> cancelled
func (s *CompensationService) finish(ctx context.Context, transactionID, merchantID string, metadata map[string]string) error {
	_, err := s.store.UpdateTransaction(ctx, transactionID, merchantID, model.TransactionPatch{
		Status:            model.Ptr(model.TxCancelled),
		InventoryReserved: model.Ptr(false),
		Metadata:          metadata,
		ExpectStatus:      []model.TransactionStatus{model.TxCompensating},
	})
	if err != nil {
		return fmt.Errorf("finish compensation: %w", err)
	}
	return nil
}

// finishIfResolved 计划内每种动作都已有完成记录时结束补偿
func (s *CompensationService) finishIfResolved(ctx context.Context, transactionID, merchantID string) {
	log := s.log.WithContext(ctx).WithMerchant(merchantID, transactionID)
	tx, err := s.store.GetTransaction(ctx, transactionID, merchantID)
	if err != nil || tx.Status != model.TxCompensating {
		return
	}
	missing, err := s.unresolved(ctx, tx)
	if err != nil {
		log.WithError(err).Warn("check compensation progress failed")
		return
	}
	if len(missing) > 0 {
		return
	}

	var metadata map[string]string
	if tx.Metadata["refund_status"] == RefundRetryScheduled {
		metadata = map[string]string{"refund_status": RefundProcessing}
	}
	if err := s.finish(ctx, transactionID, merchantID, metadata); err != nil {
		if !errors.Is(err, repository.ErrStatusConflict) {
			log.WithError(err).Warn("finish compensation after retry failed")
		}
		return
	}
	s.metrics.IncCompensationRun(true)
	s.writeAudit(ctx, audit.NewRecord(audit.OpCompensationComplete, merchantID).
		WithTransaction(transactionID).
		WithUser(tx.UserID).
		WithParams(map[string]interface{}{"source": "retry", "final_status": string(model.TxCancelled)}))
	log.Info("compensation completed by retry")
}

func (s *CompensationService) lookupError(transactionID string, err error) error {
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return notFoundOr(transactionID, err)
	}
	return fmt.Errorf("load transaction: %w", err)
}

func (s *CompensationService) writeAudit(ctx context.Context, rec *audit.Record) {
	if s.audit == nil || rec == nil {
		return
	}
	rec.WithRequestID(logger.RequestIDFromContext(ctx))
	if err := s.audit.Create(ctx, rec); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("audit write failed")
	}
}

// completedTypes 动作类型 -> 任一已完成动作 ID
func completedTypes(actions []*model.CompensationAction) map[model.ActionType]string {
	out := make(map[model.ActionType]string)
	for _, a := range actions {
		if a.Status == model.ActionCompleted {
			if _, ok := out[a.ActionType]; !ok {
				out[a.ActionType] = a.ActionID
			}
		}
	}
	return out
}

// lastRetryCounts 动作类型 -> 已有尝试中最大的 retryCount
func lastRetryCounts(actions []*model.CompensationAction) map[model.ActionType]int {
	out := make(map[model.ActionType]int)
	for _, a := range actions {
		if n, ok := out[a.ActionType]; !ok || a.RetryCount > n {
			out[a.ActionType] = a.RetryCount
		}
	}
	return out
}
