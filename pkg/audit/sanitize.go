package audit

import (
	"fmt"
	"strings"
	"unicode"
)

// SanitizeParams 脱敏敏感参数
func SanitizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if isSensitiveKey(key) {
		return "***"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		return SanitizeParams(typed)
	case map[string]string:
		m := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			m[k] = v
		}
		return SanitizeParams(m)
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for i, item := range typed {
			// 数组元素使用索引作为 key，避免父级 key 误判
			elemKey := fmt.Sprintf("[%d]", i)
			if m, ok := item.(map[string]interface{}); ok {
				cp = append(cp, SanitizeParams(m))
			} else {
				cp = append(cp, sanitizeValue(elemKey, item))
			}
		}
		return cp
	case string:
		if shouldMaskPartial(key, typed) {
			return maskPreserveEnds(typed, 2, 2)
		}
		return typed
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "password") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "api_key") ||
		strings.Contains(k, "card_number") ||
		strings.Contains(k, "cardnumber") ||
		strings.Contains(k, "cvv") ||
		strings.Contains(k, "cvc") ||
		strings.Contains(k, "iban") ||
		k == "pan" ||
		strings.HasSuffix(k, "_key")
}

func shouldMaskPartial(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if strings.Contains(k, "phone") || strings.Contains(k, "email") ||
		strings.Contains(k, "address") || strings.Contains(k, "postal") {
		return true
	}

	// 值本身看起来像手机号/卡号：数字占比高且长度足够
	digits := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return len(value) >= 7 && digits >= len(value)-2
}

func maskPreserveEnds(s string, prefixKeep, suffixKeep int) string {
	runes := []rune(s)
	if len(runes) <= prefixKeep+suffixKeep {
		return "***"
	}
	maskedLen := len(runes) - prefixKeep - suffixKeep
	return string(runes[:prefixKeep]) + strings.Repeat("*", maskedLen) + string(runes[len(runes)-suffixKeep:])
}
