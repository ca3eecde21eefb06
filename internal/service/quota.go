package service

import (
	"context"
	"fmt"

	"sitegate/backend/internal/storage"
)

// QuotaDecision 额度检查结果
type QuotaDecision struct {
	Allowed bool
	Used    int64
	Limit   int64 // 0 表示不限
}

// QuotaLedger API Key 调用额度
//
// 检查与扣减分离：Check 只读，Consume 在执行成功后调用，
// 并发请求可能同时通过检查。
type QuotaLedger struct {
	users storage.UserRepository
}

// NewQuotaLedger 创建额度账本
func NewQuotaLedger(users storage.UserRepository) *QuotaLedger {
	return &QuotaLedger{users: users}
}

// Check 检查用户是否还有剩余额度
func (q *QuotaLedger) Check(ctx context.Context, userID string) (QuotaDecision, error) {
	credit, err := q.users.GetUserCredit(ctx, userID)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("load user credit: %w", err)
	}
	return QuotaDecision{
		Allowed: credit.Allows(),
		Used:    credit.Used,
		Limit:   credit.Limit,
	}, nil
}

// Consume 扣减一次额度，由存储层单条 UPDATE 完成
func (q *QuotaLedger) Consume(ctx context.Context, userID string) error {
	return q.users.IncrementAPIUsage(ctx, userID)
}
