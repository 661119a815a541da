package sqlitejournal

// ============================================================================
// 暫時性 SQLite 錯誤的重試
// 職責：以指數退避加抖動重試 BUSY / LOCKED / IOERR_SHORT_READ
// busy_timeout pragma 只處理連線層的 SQLITE_BUSY，其餘需要應用層重試
// ============================================================================

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig 重試參數
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig 所有寫入操作使用的預設值
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr 判斷錯誤是否可以透過重試解決
//   - SQLITE_BUSY (5)
//   - SQLITE_LOCKED (6)
//   - SQLITE_IOERR_SHORT_READ (522)
//   - "database is locked" 文字訊息
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp 執行 fn，遇到暫時性錯誤時退避重試；成功或非暫時性錯誤立即返回
func retryOp(cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

// backoffDelay = min(baseDelay * 2^attempt, maxDelay) + random([0, baseDelay))
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	if cfg.baseDelay <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.baseDelay)))
	return delay + jitter
}
