// Package repository 交易与补偿动作的数据访问层
package repository

import (
	"errors"
	"strings"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
	ErrStatusConflict       = errors.New("transaction status conflict")
	ErrActionNotFound       = errors.New("compensation action not found")
	ErrActionSuperseded     = errors.New("compensation action already superseded")
	// ErrActionClaimed 同一交易的同类型动作正在执行或已完成
	ErrActionClaimed = errors.New("compensation action type already claimed")
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
