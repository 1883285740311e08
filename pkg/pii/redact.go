// Package pii 文本脱敏与敏感字段令牌化
package pii

import (
	"regexp"
	"strings"
)

type EntityType string

const (
	EntityCard  EntityType = "card_number"
	EntitySSN   EntityType = "ssn"
	EntityEmail EntityType = "email"
	EntityPhone EntityType = "phone"
)

// Detection 一处被替换的敏感片段；不保留原文
type Detection struct {
	Type        EntityType `json:"type"`
	Placeholder string     `json:"placeholder"`
	Masked      string     `json:"masked"`
}

type pattern struct {
	typ         EntityType
	re          *regexp.Regexp
	placeholder string
	accept      func(string) bool
}

// 顺序敏感：卡号、SSN 先于电话匹配
var patterns = []pattern{
	{typ: EntityCard, re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), placeholder: "[CARD_REDACTED]", accept: luhnValid},
	{typ: EntitySSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), placeholder: "[SSN_REDACTED]"},
	{typ: EntityEmail, re: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), placeholder: "[EMAIL_REDACTED]"},
	{typ: EntityPhone, re: regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`), placeholder: "[PHONE_REDACTED]"},
}

// RedactQuery 替换文本中的卡号、SSN、邮箱、电话
func RedactQuery(text string) (string, []Detection) {
	var found []Detection
	out := text
	for _, p := range patterns {
		out = p.re.ReplaceAllStringFunc(out, func(m string) string {
			if p.accept != nil && !p.accept(m) {
				return m
			}
			found = append(found, Detection{Type: p.typ, Placeholder: p.placeholder, Masked: mask(m)})
			return p.placeholder
		})
	}
	return out, found
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func luhnValid(s string) bool {
	d := digitsOnly(s)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(d) - 1; i >= 0; i-- {
		n := int(d[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type RedactionSummary struct {
	TotalRedactions int                `json:"total_redactions"`
	ByType          map[EntityType]int `json:"by_type"`
	MerchantID      string             `json:"merchant_id"`
}

type SanitizedConversation struct {
	Messages []Message        `json:"sanitized_conversation"`
	Summary  RedactionSummary `json:"redaction_summary"`
}

// SanitizeConversationLog 对会话逐条脱敏并汇总
func SanitizeConversationLog(conv []Message, merchantID string) SanitizedConversation {
	out := SanitizedConversation{
		Messages: make([]Message, 0, len(conv)),
		Summary:  RedactionSummary{ByType: map[EntityType]int{}, MerchantID: merchantID},
	}
	for _, m := range conv {
		clean, found := RedactQuery(m.Content)
		for _, d := range found {
			out.Summary.ByType[d.Type]++
		}
		out.Summary.TotalRedactions += len(found)
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: clean})
	}
	return out
}
