// Package config 读取环境变量；格式错误的值记录下来，启动时统一报错
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MinSecretLength PII 令牌等 HMAC 密钥的最小长度
const MinSecretLength = 32

var insecureDevSecrets = map[string]struct{}{
	"dev-pii-key-change-me-32-bytes-minimum": {},
	"dev-gateway-token-change-me":            {},
	"dev-inventory-token-change-me":          {},
}

// IsInsecureDevSecret 判断是否为内置的开发占位密钥
func IsInsecureDevSecret(value string) bool {
	_, ok := insecureDevSecrets[value]
	return ok
}

// Env 按键读取环境变量；未设置或为空时取默认值，无法解析时取默认值并记录错误
type Env struct {
	lookup func(string) string
	errs   []error
}

func NewEnv() *Env {
	return &Env{lookup: os.Getenv}
}

// NewEnvFrom 从给定键值读取，用于测试
func NewEnvFrom(values map[string]string) *Env {
	return &Env{lookup: func(k string) string { return values[k] }}
}

func (e *Env) raw(key string) (string, bool) {
	v := strings.TrimSpace(e.lookup(key))
	return v, v != ""
}

func (e *Env) invalid(key, value, want string) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: expected %s", key, value, want))
}

func (e *Env) String(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

// Lower 小写的枚举值，如驱动名
func (e *Env) Lower(key, def string) string {
	return strings.ToLower(e.String(key, def))
}

func (e *Env) Int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(key, v, "integer")
		return def
	}
	return i
}

func (e *Env) Bool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(key, v, "boolean")
		return def
	}
	return b
}

func (e *Env) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.invalid(key, v, "non-negative duration")
		return def
	}
	return d
}

// Amount 金额上限，不接受负数
func (e *Env) Amount(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		e.invalid(key, v, "non-negative amount")
		return def
	}
	return d
}

// Ratio [0, 1] 区间的比例，如采样率
func (e *Env) Ratio(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		e.invalid(key, v, "ratio between 0 and 1")
		return def
	}
	return f
}

// List 逗号分隔，忽略空项
func (e *Env) List(key string, def []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Err 汇总所有无法解析的变量
func (e *Env) Err() error {
	return errors.Join(e.errs...)
}
