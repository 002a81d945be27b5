package worker

import (
	"context"

	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
)

// Operation 處理單一 unit
//
// 回傳 nil 表示完成；ctx 被取消時回傳錯誤，或錯誤包裝了 ErrTransient，
// unit 會標記為 STOPPED，其他錯誤標記為 FAILED。
type Operation interface {
	Process(ctx context.Context, u *ledger.UnitOfWork) error
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, u *ledger.UnitOfWork) error

func (f OperationFunc) Process(ctx context.Context, u *ledger.UnitOfWork) error { return f(ctx, u) }

// Stats 累計執行結果
type Stats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Stopped   int64 `json:"stopped"`
}
