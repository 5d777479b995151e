package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/mattn/go-sqlite3"

	"hedge-core/internal/event"
	"hedge-core/internal/position"
)

var (
	// ErrUnavailable 表示远端暂时不可达，调用方应稍后重试。
	ErrUnavailable = errors.New("remote: backend unavailable")
	// ErrStaleVersion 表示写入的版本早于远端已有版本。
	ErrStaleVersion = errors.New("remote: stale version")
)

// Handler 接收远端推送的原始事件，事件需经校验后才能使用。
type Handler func(event.RawEvent)

// Subscription 为一次推送订阅。
type Subscription interface {
	Unsubscribe()
}

// Backend 为远端持久化与推送的协作方。
type Backend interface {
	Ping(ctx context.Context) error
	ListPositions(ctx context.Context) ([]position.Position, error)
	ListStrategies(ctx context.Context) ([]event.StrategyData, error)
	ListActions(ctx context.Context) ([]event.ActionData, error)
	ListAccounts(ctx context.Context) ([]position.AccountBalance, error)
	Mutate(ctx context.Context, ev event.SyncEvent) error
	Subscribe(ctx context.Context, entity event.Entity, op event.Type, handler Handler) (Subscription, error)
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleVersion) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}

	return false
}
