package conflict

import (
	"fmt"
	"strings"

	"hedge-core/internal/event"
)

// Policy 决定同一实体上本地与远端事件冲突时的胜出方。
// 对同一对事件的时间戳与来源，结果必须确定。
type Policy interface {
	Name() string
	Choose(local, remote event.SyncEvent) event.Source
}

// TimestampPriority 时间戳较晚者胜出，时间完全相同时以远端为准。
type TimestampPriority struct{}

func (TimestampPriority) Name() string { return "timestamp" }

func (TimestampPriority) Choose(local, remote event.SyncEvent) event.Source {
	if local.Timestamp.After(remote.Timestamp) {
		return event.SourceLocal
	}
	return event.SourceRemote
}

// RemotePriority 远端（GraphQL 后端）始终胜出。
type RemotePriority struct{}

func (RemotePriority) Name() string { return "remote" }

func (RemotePriority) Choose(event.SyncEvent, event.SyncEvent) event.Source {
	return event.SourceRemote
}

// LocalPriority 本地（终端 WebSocket 侧）始终胜出。
type LocalPriority struct{}

func (LocalPriority) Name() string { return "local" }

func (LocalPriority) Choose(event.SyncEvent, event.SyncEvent) event.Source {
	return event.SourceLocal
}

// PolicyByName 根据配置名称返回策略，空字符串返回默认的时间戳优先。
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "timestamp":
		return TimestampPriority{}, nil
	case "remote", "graphql":
		return RemotePriority{}, nil
	case "local", "websocket":
		return LocalPriority{}, nil
	}
	return nil, fmt.Errorf("conflict: 未知的冲突策略 %q", name)
}
