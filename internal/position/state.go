package position

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Direction 表示持仓方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Status 表示持仓生命周期状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
)

// Position 描述单个账户下的一笔持仓。
// 可选价格字段以 0 表示未设置。
type Position struct {
	PositionID string    `json:"positionId"`
	StrategyID string    `json:"strategyId"`
	AccountID  string    `json:"accountId,omitempty"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entryPrice,omitempty"`
	ExitPrice  float64   `json:"exitPrice,omitempty"`
	StopLoss   float64   `json:"stopLoss,omitempty"`
	TakeProfit float64   `json:"takeProfit,omitempty"`
	TrailWidth float64   `json:"trailWidth,omitempty"`
	Status     Status    `json:"status"`
	EntryTime  time.Time `json:"entryTime,omitempty"`
	ExitTime   time.Time `json:"exitTime,omitempty"`
}

// IsOpen 判断持仓是否仍在场内。
func (p Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Notional 以开仓价估算名义价值。
func (p Position) Notional() float64 {
	return p.Volume * p.EntryPrice
}

// AccountBalance 描述账户权益及风险快照。
type AccountBalance struct {
	AccountID    string     `json:"accountId"`
	TotalEquity  float64    `json:"totalEquity"`
	Balance      float64    `json:"balance,omitempty"`
	MarginUsed   float64    `json:"marginUsed,omitempty"`
	RiskExposure float64    `json:"riskExposure"`
	MarginLevel  float64    `json:"marginLevel"`
	Positions    []Position `json:"positions,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Clone 返回深拷贝，避免调用方修改缓存中的切片。
func (a AccountBalance) Clone() AccountBalance {
	out := a
	if len(a.Positions) > 0 {
		out.Positions = append([]Position(nil), a.Positions...)
	}
	return out
}

// OpenPositions 返回仍在场内的持仓。
func (a AccountBalance) OpenPositions() []Position {
	out := make([]Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// Recalculate 根据持仓重新计算风险敞口与保证金水平。
// 风险敞口为多空名义价值的净额占净值比例，保证金水平为净值/已用保证金*100。
func (a *AccountBalance) Recalculate() {
	var net float64
	for _, p := range a.Positions {
		if !p.IsOpen() {
			continue
		}
		notional := p.Notional()
		if p.Direction == DirectionShort {
			notional = -notional
		}
		net += notional
	}

	if a.TotalEquity > 0 {
		a.RiskExposure = math.Abs(net) / a.TotalEquity
	} else {
		a.RiskExposure = 0
	}

	if a.MarginUsed > 0 {
		a.MarginLevel = a.TotalEquity / a.MarginUsed * 100
	}
}

// NormalizeDirection 将终端或远端传来的方向字符串归一化。
func NormalizeDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy", "0":
		return DirectionLong, nil
	case "short", "sell", "1":
		return DirectionShort, nil
	default:
		return "", fmt.Errorf("position: 无法识别的方向 %q", raw)
	}
}

// ParseNumeric 将任意数值形态解析为 float64，ok 表示是否为合法数值。
func ParseNumeric(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case *float64:
		if v != nil {
			return ParseNumeric(*v)
		}
	case float32:
		return ParseNumeric(float64(v))
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return ParseNumeric(f)
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return ParseNumeric(f)
		}
	}
	return 0, false
}
