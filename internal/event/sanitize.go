package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"hedge-core/internal/position"
)

// 仅在传输层存在、不应进入本地状态的字段
var internalFields = map[string]struct{}{
	"__typename":     {},
	"owner":          {},
	"_version":       {},
	"_deleted":       {},
	"_lastChangedAt": {},
}

var numericFields = map[string]struct{}{
	"volume":        {},
	"entryPrice":    {},
	"exitPrice":     {},
	"stopLoss":      {},
	"takeProfit":    {},
	"trailWidth":    {},
	"price":         {},
	"maxRisk":       {},
	"amount":        {},
	"estimatedCost": {},
	"totalEquity":   {},
	"marginLevel":   {},
	"riskExposure":  {},
}

var pollutionKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

var injectionMarkers = []string{"<script", "javascript:", "onerror=", "onload=", "eval(", "document.cookie"}

// NewSyncID 生成全局唯一的同步 ID。
func NewSyncID() string {
	return uuid.NewString()
}

// SanitizeData 去除传输层字段，并对数值、时间与枚举字符串做归一化。
// 返回新 map，不修改入参。
func SanitizeData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		if _, internal := internalFields[key]; internal || strings.HasPrefix(key, "__") {
			continue
		}

		switch {
		case isNumericField(key):
			if f, ok := position.ParseNumeric(value); ok {
				out[key] = f
				continue
			}
		case isDateField(key):
			if t, ok := ParseTimestamp(value); ok {
				out[key] = t
				continue
			}
		}

		if s, ok := value.(string); ok {
			switch key {
			case "symbol":
				out[key] = strings.ToUpper(strings.TrimSpace(s))
				continue
			case "status", "type", "direction":
				out[key] = strings.ToLower(strings.TrimSpace(s))
				continue
			default:
				out[key] = strings.TrimSpace(s)
				continue
			}
		}

		out[key] = value
	}
	return out
}

func isNumericField(key string) bool {
	_, ok := numericFields[key]
	return ok
}

func isDateField(key string) bool {
	return key == "timestamp" || strings.HasSuffix(key, "Time") || strings.HasSuffix(key, "At")
}

// IsSecure 检查负载中是否含有原型污染键或脚本注入标记，递归检查嵌套结构。
func IsSecure(value interface{}) bool {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, inner := range v {
			if _, bad := pollutionKeys[strings.ToLower(strings.TrimSpace(key))]; bad {
				return false
			}
			if !IsSecure(inner) {
				return false
			}
		}
	case RawEvent:
		return IsSecure(map[string]interface{}(v))
	case []interface{}:
		for _, inner := range v {
			if !IsSecure(inner) {
				return false
			}
		}
	case string:
		lower := strings.ToLower(v)
		for _, marker := range injectionMarkers {
			if strings.Contains(lower, marker) {
				return false
			}
		}
	}
	return true
}

// Decode 校验、清洗原始事件并构造强类型 SyncEvent。
func Decode(raw RawEvent) (SyncEvent, error) {
	if !IsSecure(raw) {
		return SyncEvent{}, ErrInsecurePayload
	}

	result := ValidateWithDetails(raw)
	if !result.IsValid {
		return SyncEvent{}, result.Err()
	}

	typ, _ := parseType(raw["type"])
	entity, _ := parseEntity(raw["entity"])
	source, _ := parseSource(raw["source"])
	ts, _ := ParseTimestamp(raw["timestamp"])
	data := SanitizeData(raw["data"].(map[string]interface{}))

	payload, err := buildPayload(entity, data)
	if err != nil {
		return SyncEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	return SyncEvent{
		Type:      typ,
		Entity:    entity,
		Data:      payload,
		Timestamp: ts,
		Source:    source,
		SyncID:    strings.TrimSpace(raw["syncId"].(string)),
	}, nil
}

func buildPayload(entity Entity, data map[string]interface{}) (Payload, error) {
	switch entity {
	case EntityPosition:
		p := position.Position{
			PositionID: str(data, "positionId"),
			StrategyID: str(data, "strategyId"),
			AccountID:  str(data, "accountId"),
			Symbol:     str(data, "symbol"),
			Volume:     num(data, "volume"),
			EntryPrice: num(data, "entryPrice"),
			ExitPrice:  num(data, "exitPrice"),
			StopLoss:   num(data, "stopLoss"),
			TakeProfit: num(data, "takeProfit"),
			TrailWidth: num(data, "trailWidth"),
			Status:     position.Status(str(data, "status")),
			EntryTime:  tm(data, "entryTime"),
			ExitTime:   tm(data, "exitTime"),
		}
		if raw := str(data, "direction"); raw != "" {
			dir, err := position.NormalizeDirection(raw)
			if err != nil {
				return nil, err
			}
			p.Direction = dir
		} else {
			p.Direction = position.DirectionLong
		}
		return PositionData{Position: p}, nil
	case EntityStrategy:
		enabled := true
		if v, ok := data["enabled"].(bool); ok {
			enabled = v
		}
		return StrategyData{
			StrategyID: str(data, "strategyId"),
			Name:       str(data, "name"),
			TrailWidth: num(data, "trailWidth"),
			Symbol:     str(data, "symbol"),
			MaxRisk:    num(data, "maxRisk"),
			Enabled:    enabled,
		}, nil
	case EntityAction:
		return ActionData{
			ActionID:   str(data, "actionId"),
			StrategyID: str(data, "strategyId"),
			AccountID:  str(data, "accountId"),
			Type:       str(data, "type"),
			Status:     str(data, "status"),
			Symbol:     str(data, "symbol"),
			Volume:     num(data, "volume"),
			Price:      num(data, "price"),
		}, nil
	}
	return nil, fmt.Errorf("unsupported entity %q", entity)
}

func str(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]interface{}, key string) float64 {
	f, _ := position.ParseNumeric(data[key])
	return f
}

func tm(data map[string]interface{}, key string) time.Time {
	t, ok := ParseTimestamp(data[key])
	if !ok || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
