package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SimulatedProvider 本地/开发环境使用的支付模拟，确认号格式 {name}_{uuid}
type SimulatedProvider struct {
	name string

	mu      sync.Mutex
	charges map[string]string // intent -> confirmation
	refunds map[string]int
}

func NewSimulatedProvider(name string) *SimulatedProvider {
	return &SimulatedProvider{
		name:    name,
		charges: make(map[string]string),
		refunds: make(map[string]int),
	}
}

func (p *SimulatedProvider) Name() string { return p.name }

func (p *SimulatedProvider) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.charges[req.IntentID]; ok && req.IntentID != "" {
		return id, nil
	}
	id := fmt.Sprintf("%s_%s", p.name, uuid.NewString())
	if req.IntentID != "" {
		p.charges[req.IntentID] = id
	}
	return id, nil
}

func (p *SimulatedProvider) Refund(ctx context.Context, req RefundRequest) (RefundStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds[req.Reference]++
	return RefundSucceeded, nil
}

// Refunds 返回某个引用被退款的次数
func (p *SimulatedProvider) Refunds(reference string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds[reference]
}
