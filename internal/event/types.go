package event

import (
	"encoding/json"
	"fmt"
	"time"

	"hedge-core/internal/position"
)

// Type 表示同步事件的操作类型。
type Type string

const (
	TypeCreate Type = "CREATE"
	TypeUpdate Type = "UPDATE"
	TypeDelete Type = "DELETE"
)

// Entity 表示同步事件涉及的实体种类。
type Entity string

const (
	EntityPosition Entity = "position"
	EntityStrategy Entity = "strategy"
	EntityAction   Entity = "action"
)

// Source 标记事件来源。
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Types 与 Entities 列出全部合法取值，便于订阅与遍历。
var (
	Types    = []Type{TypeCreate, TypeUpdate, TypeDelete}
	Entities = []Entity{EntityPosition, EntityStrategy, EntityAction}
)

// RawEvent 为外部传入、尚未校验的事件形态。
// 必须包含 type/entity/data/timestamp/source/syncId 六个字段。
type RawEvent map[string]interface{}

// Payload 为按实体区分的强类型负载。
type Payload interface {
	Entity() Entity
	ID() string
}

// PositionData 为持仓实体负载。
type PositionData struct {
	position.Position
}

func (PositionData) Entity() Entity { return EntityPosition }
func (p PositionData) ID() string   { return p.PositionID }

// StrategyData 为策略实体负载。
type StrategyData struct {
	StrategyID string  `json:"strategyId"`
	Name       string  `json:"name"`
	TrailWidth float64 `json:"trailWidth"`
	Symbol     string  `json:"symbol,omitempty"`
	MaxRisk    float64 `json:"maxRisk,omitempty"`
	Enabled    bool    `json:"enabled"`
}

func (StrategyData) Entity() Entity { return EntityStrategy }
func (s StrategyData) ID() string   { return s.StrategyID }

// ActionData 为策略动作实体负载。
type ActionData struct {
	ActionID   string  `json:"actionId"`
	StrategyID string  `json:"strategyId"`
	AccountID  string  `json:"accountId,omitempty"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Symbol     string  `json:"symbol,omitempty"`
	Volume     float64 `json:"volume,omitempty"`
	Price      float64 `json:"price,omitempty"`
}

func (ActionData) Entity() Entity { return EntityAction }
func (a ActionData) ID() string   { return a.ActionID }

// SyncEvent 为一次经过校验的创建/更新/删除描述。
type SyncEvent struct {
	Type      Type      `json:"type"`
	Entity    Entity    `json:"entity"`
	Data      Payload   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	SyncID    string    `json:"syncId"`
}

// EntityID 返回事件所指实体的主键。
func (e SyncEvent) EntityID() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.ID()
}

// EntityKey 以 "{entity}/{id}" 唯一标识一个实体，用于冲突检测与防抖合并。
func (e SyncEvent) EntityKey() string {
	return KeyFor(e.Entity, e.EntityID())
}

// ChannelKey 返回分发通道键 "{entity}:{type}"。
func (e SyncEvent) ChannelKey() string {
	return ChannelKey(e.Entity, e.Type)
}

// KeyFor 构造实体键。
func KeyFor(entity Entity, id string) string {
	return string(entity) + "/" + id
}

// ChannelKey 构造分发通道键。
func ChannelKey(entity Entity, typ Type) string {
	return string(entity) + ":" + string(typ)
}

// Position 在负载为持仓时返回持仓。
func (e SyncEvent) Position() (position.Position, bool) {
	p, ok := e.Data.(PositionData)
	return p.Position, ok
}

// Strategy 在负载为策略时返回策略。
func (e SyncEvent) Strategy() (StrategyData, bool) {
	s, ok := e.Data.(StrategyData)
	return s, ok
}

// Action 在负载为动作时返回动作。
func (e SyncEvent) Action() (ActionData, bool) {
	a, ok := e.Data.(ActionData)
	return a, ok
}

// ToRaw 将事件还原为原始形态，用于写入远端或持久化。
func (e SyncEvent) ToRaw() (RawEvent, error) {
	data := map[string]interface{}{}
	if e.Data != nil {
		buf, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("event: 序列化负载失败: %w", err)
		}
		if err := json.Unmarshal(buf, &data); err != nil {
			return nil, fmt.Errorf("event: 还原负载失败: %w", err)
		}
	}
	return RawEvent{
		"type":      string(e.Type),
		"entity":    string(e.Entity),
		"data":      data,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":    string(e.Source),
		"syncId":    e.SyncID,
	}, nil
}

// WithSource 返回来源被替换后的副本。
func (e SyncEvent) WithSource(src Source) SyncEvent {
	e.Source = src
	return e
}

// New 以当前时间与新的同步 ID 构造事件。
func New(typ Type, data Payload, source Source) SyncEvent {
	return SyncEvent{
		Type:      typ,
		Entity:    data.Entity(),
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    source,
		SyncID:    NewSyncID(),
	}
}
