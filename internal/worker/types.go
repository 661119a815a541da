package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task[T any] struct {
	Index   int                                  // 任務在批次中的位置，結果依此歸位
	Batch   uint64                               // 所屬批次，結果原樣帶回
	Ctx     context.Context                      // 呼叫端的 Context（nil 表示 Background）
	Timeout time.Duration                        // 執行超時時間（0 表示不限制）
	Run     func(ctx context.Context) (T, error) // 實際要執行的工作
}

// Result 代表任務執行結果
type Result[T any] struct {
	Index    int           // 對應 Task.Index
	Batch    uint64        // 對應 Task.Batch
	Value    T             // 執行結果
	Err      error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
