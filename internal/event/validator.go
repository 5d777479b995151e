package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"hedge-core/internal/position"
)

var (
	// ErrInvalidEvent 表示事件结构或语义不合法。
	ErrInvalidEvent = errors.New("event: invalid sync event")
	// ErrInsecurePayload 表示负载包含原型污染键或脚本注入标记。
	ErrInsecurePayload = errors.New("event: insecure payload")
)

var requiredFields = []string{"type", "entity", "data", "timestamp", "source", "syncId"}

var optionalPositionNumbers = []string{"entryPrice", "exitPrice", "stopLoss", "takeProfit", "trailWidth"}

// Result 为详细校验结果。
type Result struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

// Err 将校验失败信息合并为单个错误。
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	var err error
	for _, msg := range r.Errors {
		err = multierr.Append(err, errors.New(msg))
	}
	return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
}

// Validate 判断事件是否合法。
func Validate(raw RawEvent) bool {
	return ValidateWithDetails(raw).IsValid
}

// ValidateWithDetails 对事件做结构与实体级校验，返回全部错误。
func ValidateWithDetails(raw RawEvent) Result {
	errs := make([]string, 0, 4)

	if raw == nil {
		return Result{IsValid: false, Errors: []string{"event is nil"}}
	}

	for _, field := range requiredFields {
		if v, ok := raw[field]; !ok || v == nil {
			errs = append(errs, fmt.Sprintf("missing required field: %s", field))
		}
	}
	if len(errs) > 0 {
		return Result{IsValid: false, Errors: errs}
	}

	if _, ok := parseType(raw["type"]); !ok {
		errs = append(errs, fmt.Sprintf("invalid type: %v", raw["type"]))
	}
	entity, entityOK := parseEntity(raw["entity"])
	if !entityOK {
		errs = append(errs, fmt.Sprintf("invalid entity: %v", raw["entity"]))
	}
	if _, ok := parseSource(raw["source"]); !ok {
		errs = append(errs, fmt.Sprintf("invalid source: %v", raw["source"]))
	}
	if _, ok := ParseTimestamp(raw["timestamp"]); !ok {
		errs = append(errs, fmt.Sprintf("invalid timestamp: %v", raw["timestamp"]))
	}
	if id, ok := raw["syncId"].(string); !ok || strings.TrimSpace(id) == "" {
		errs = append(errs, "syncId must be a non-empty string")
	}

	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		errs = append(errs, "data must be an object")
		return Result{IsValid: false, Errors: errs}
	}

	if entityOK {
		switch entity {
		case EntityPosition:
			errs = append(errs, validatePosition(data)...)
		case EntityStrategy:
			errs = append(errs, validateStrategy(data)...)
		case EntityAction:
			errs = append(errs, validateAction(data)...)
		}
	}

	return Result{IsValid: len(errs) == 0, Errors: errs}
}

func validatePosition(data map[string]interface{}) []string {
	var errs []string
	errs = append(errs, requireStrings(data, "positionId", "strategyId", "status", "symbol")...)

	volume, ok := position.ParseNumeric(data["volume"])
	switch {
	case !ok:
		errs = append(errs, "position.volume must be numeric")
	case volume <= 0:
		errs = append(errs, "position.volume must be greater than 0")
	}

	for _, field := range optionalPositionNumbers {
		if v, present := data[field]; present && v != nil {
			if _, ok := position.ParseNumeric(v); !ok {
				errs = append(errs, fmt.Sprintf("position.%s must be numeric", field))
			}
		}
	}

	for _, field := range []string{"entryTime", "exitTime"} {
		if v, present := data[field]; present && v != nil {
			if _, ok := ParseTimestamp(v); !ok {
				errs = append(errs, fmt.Sprintf("position.%s must be a valid timestamp", field))
			}
		}
	}

	if v, present := data["direction"]; present && v != nil {
		if s, ok := v.(string); !ok {
			errs = append(errs, "position.direction must be a string")
		} else if _, err := position.NormalizeDirection(s); err != nil {
			errs = append(errs, fmt.Sprintf("position.direction invalid: %s", s))
		}
	}

	return errs
}

func validateStrategy(data map[string]interface{}) []string {
	var errs []string
	errs = append(errs, requireStrings(data, "strategyId", "name")...)

	width, ok := position.ParseNumeric(data["trailWidth"])
	switch {
	case !ok:
		errs = append(errs, "strategy.trailWidth must be numeric")
	case width <= 0:
		errs = append(errs, "strategy.trailWidth must be greater than 0")
	}
	return errs
}

func validateAction(data map[string]interface{}) []string {
	return requireStrings(data, "actionId", "strategyId", "type", "status")
}

func requireStrings(data map[string]interface{}, fields ...string) []string {
	var errs []string
	for _, field := range fields {
		s, ok := data[field].(string)
		if !ok || strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Sprintf("missing required data field: %s", field))
		}
	}
	return errs
}

func parseType(v interface{}) (Type, bool) {
	s, _ := v.(string)
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return t, true
	}
	return "", false
}

func parseEntity(v interface{}) (Entity, bool) {
	s, _ := v.(string)
	switch e := Entity(strings.ToLower(strings.TrimSpace(s))); e {
	case EntityPosition, EntityStrategy, EntityAction:
		return e, true
	}
	return "", false
}

func parseSource(v interface{}) (Source, bool) {
	s, _ := v.(string)
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceLocal, SourceRemote:
		return src, true
	}
	return "", false
}

// ParseTimestamp 支持 time.Time、RFC3339 字符串以及 Unix 毫秒数值。
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, !ts.IsZero()
	case *time.Time:
		if ts != nil && !ts.IsZero() {
			return *ts, true
		}
	case string:
		s := strings.TrimSpace(ts)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006.01.02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
	default:
		if ms, ok := position.ParseNumeric(v); ok && ms > 0 {
			return time.UnixMilli(int64(ms)).UTC(), true
		}
	}
	return time.Time{}, false
}
