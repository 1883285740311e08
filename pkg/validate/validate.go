// Package validate 结账请求字段校验
package validate

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	commonerrors "github.com/merchant/checkout/pkg/errors"
)

var (
	merchantIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	currencyRe   = regexp.MustCompile(`^[A-Z]{3}$`)
	skuRe        = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,64}$`)
)

// MerchantID 校验租户 ID
func MerchantID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "merchantId is required")
	}
	if !merchantIDRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid merchantId: %q", s)
	}
	return nil
}

// Currency 校验 ISO-4217 币种代码（大写三位字母）
func Currency(s string) error {
	if !currencyRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid currency: %q (expected ISO-4217 code)", s)
	}
	return nil
}

// SKU 校验商品编码
func SKU(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return commonerrors.New(commonerrors.CodeInvalidItem, "Invalid item: sku is required")
	}
	if !skuRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidItem, "Invalid item: sku %q has unsupported characters", s)
	}
	return nil
}

// Quantity 校验数量（必须 > 0）
func Quantity(sku string, qty int) error {
	if qty <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidItem, "Invalid quantity for item %s", sku)
	}
	return nil
}

// Price 校验单价（必须 >= 0）
func Price(sku string, price decimal.Decimal) error {
	if price.IsNegative() {
		return commonerrors.Newf(commonerrors.CodeInvalidItem, "Invalid price for item %s", sku)
	}
	return nil
}
