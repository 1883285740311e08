package pii

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type Classification string

const (
	ClassPayment  Classification = "payment"
	ClassAddress  Classification = "address"
	ClassContact  Classification = "contact"
	ClassFreeText Classification = "free_text"
)

const (
	tokenPrefix     = "tok_"
	paymentTTLHours = 24
)

// 需要令牌化的支付字段
var paymentFields = map[string]struct{}{
	"card_number":    {},
	"cvv":            {},
	"cvc":            {},
	"expiry":         {},
	"iban":           {},
	"account_number": {},
	"routing_number": {},
}

type storedValue struct {
	Value          string         `json:"value"`
	Classification Classification `json:"classification"`
	MerchantID     string         `json:"merchant_id"`
	UserID         string         `json:"user_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type TokenizedPayment struct {
	TokenizedData map[string]string `json:"tokenized_data"`
	TokenMappings map[string]string `json:"token_mappings"`
}

// Redactor 令牌化敏感值，密文以 merchantId 作为附加数据，跨租户无法解密
type Redactor struct {
	vault Vault
	aead  cipher.AEAD
	now   func() time.Time
}

// NewRedactor 通过 HKDF 从 secret 派生 XChaCha20-Poly1305 密钥
func NewRedactor(vault Vault, secret string) (*Redactor, error) {
	if vault == nil {
		return nil, errors.New("pii: vault is nil")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("pii: secret is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("checkout-pii-token")), key); err != nil {
		return nil, fmt.Errorf("pii: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("pii: init cipher: %w", err)
	}
	return &Redactor{vault: vault, aead: aead, now: time.Now}, nil
}

// RedactQuery 见包级 RedactQuery
func (r *Redactor) RedactQuery(text string) (string, []Detection) {
	return RedactQuery(text)
}

func (r *Redactor) SanitizeConversationLog(conv []Message, merchantID string) SanitizedConversation {
	return SanitizeConversationLog(conv, merchantID)
}

// CreateSecureToken 加密保存 value，返回 token id
func (r *Redactor) CreateSecureToken(ctx context.Context, value string, class Classification, merchantID, userID string, ttlHours int) (string, error) {
	if merchantID == "" {
		return "", errors.New("pii: merchantId is required")
	}
	if ttlHours <= 0 {
		ttlHours = paymentTTLHours
	}
	plain, err := json.Marshal(storedValue{
		Value:          value,
		Classification: class,
		MerchantID:     merchantID,
		UserID:         userID,
		CreatedAt:      r.now().UTC(),
	})
	if err != nil {
		return "", err
	}

	nonce := make([]byte, r.aead.NonceSize(), r.aead.NonceSize()+len(plain)+r.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("pii: nonce: %w", err)
	}
	sealed := r.aead.Seal(nonce, nonce, plain, []byte(merchantID))

	tokenID := tokenPrefix + uuid.NewString()
	if err := r.vault.Put(ctx, vaultKey(merchantID, tokenID), sealed, time.Duration(ttlHours)*time.Hour); err != nil {
		return "", fmt.Errorf("pii: store token: %w", err)
	}
	return tokenID, nil
}

// RetrieveFromToken 读取令牌原值，其他租户的令牌视为不存在
func (r *Redactor) RetrieveFromToken(ctx context.Context, tokenID, merchantID string) (string, error) {
	sealed, err := r.vault.Get(ctx, vaultKey(merchantID, tokenID))
	if err != nil {
		return "", err
	}
	ns := r.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrTokenNotFound
	}
	plain, err := r.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(merchantID))
	if err != nil {
		return "", ErrTokenNotFound
	}
	var sv storedValue
	if err := json.Unmarshal(plain, &sv); err != nil {
		return "", fmt.Errorf("pii: decode token: %w", err)
	}
	if sv.MerchantID != merchantID {
		return "", ErrTokenNotFound
	}
	return sv.Value, nil
}

// TokenizePaymentData 支付敏感字段替换为 token，卡号额外保留末四位
func (r *Redactor) TokenizePaymentData(ctx context.Context, data map[string]string, merchantID, userID string) (*TokenizedPayment, error) {
	out := &TokenizedPayment{
		TokenizedData: make(map[string]string, len(data)),
		TokenMappings: map[string]string{},
	}
	for field, value := range data {
		key := strings.ToLower(strings.TrimSpace(field))
		if _, sensitive := paymentFields[key]; !sensitive || value == "" {
			out.TokenizedData[field] = value
			continue
		}
		tokenID, err := r.CreateSecureToken(ctx, value, ClassPayment, merchantID, userID, paymentTTLHours)
		if err != nil {
			return nil, err
		}
		out.TokenizedData[field] = tokenID
		out.TokenMappings[field] = tokenID
		if key == "card_number" {
			if d := digitsOnly(value); len(d) >= 4 {
				out.TokenizedData["card_last4"] = d[len(d)-4:]
			}
		}
	}
	return out, nil
}

func vaultKey(merchantID, tokenID string) string {
	return merchantID + ":" + tokenID
}
