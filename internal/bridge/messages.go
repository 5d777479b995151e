package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"hedge-core/internal/position"
)

var (
	// ErrUnauthenticated 表示客户端未完成 AUTH 握手即发送事件。
	ErrUnauthenticated = errors.New("bridge: client not authenticated")
	// ErrNoClient 表示没有已连接的客户端负责该账户。
	ErrNoClient = errors.New("bridge: no client for account")
	// ErrUnknownMessage 表示无法识别的消息类型。
	ErrUnknownMessage = errors.New("bridge: unknown message type")
)

// 握手与心跳帧类型，沿用终端 EA 的协议。
const (
	frameAuth         = "AUTH"
	frameAuthSuccess  = "AUTH_SUCCESS"
	frameHeartbeat    = "HEARTBEAT"
	frameHeartbeatAck = "HEARTBEAT_ACK"
	frameError        = "ERROR"
)

// MessageType 为解码后的逻辑消息类型。
type MessageType string

const (
	MessagePositionUpdate   MessageType = "position_update"
	MessageAccountInfo      MessageType = "account_info"
	MessageMarketData       MessageType = "market_data"
	MessageHeartbeat        MessageType = "heartbeat"
	MessageConnectionStatus MessageType = "connection_status"
	MessageError            MessageType = "error"
)

// MarketData 为一次报价。
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"price,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Price 返回用于追踪止损的价格：有双边报价时取中间价。
func (m MarketData) Price() float64 {
	switch {
	case m.Bid > 0 && m.Ask > 0:
		return (m.Bid + m.Ask) / 2
	case m.Last > 0:
		return m.Last
	case m.Bid > 0:
		return m.Bid
	default:
		return m.Ask
	}
}

// ConnectionStatus 为终端上报的连接状态。
type ConnectionStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Message 为终端发来的逻辑消息，按类型只填充对应字段。
type Message struct {
	Type      MessageType
	ClientID  string
	AccountID string
	Timestamp time.Time
	Position  *position.Position
	Account   *position.AccountBalance
	Market    *MarketData
	Status    *ConnectionStatus
	Error     string
}

// Handler 接收解码后的逻辑消息。
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
}

// HandlerFunc 让普通函数满足 Handler。
type HandlerFunc func(ctx context.Context, msg Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) { f(ctx, msg) }

// CommandType 为下发给终端的命令类型。
type CommandType string

const (
	CommandOpenPosition   CommandType = "open_position"
	CommandClosePosition  CommandType = "close_position"
	CommandModifyPosition CommandType = "modify_position"
	CommandSetTrail       CommandType = "set_trail"
	CommandEmergencyStop  CommandType = "emergency_stop"
)

// Command 为下发命令，按账户与持仓 ID 关联。
type Command struct {
	Type       CommandType        `json:"type"`
	CommandID  string             `json:"commandId"`
	AccountID  string             `json:"accountId"`
	PositionID string             `json:"positionId,omitempty"`
	Symbol     string             `json:"symbol,omitempty"`
	Direction  position.Direction `json:"direction,omitempty"`
	Volume     float64            `json:"volume,omitempty"`
	StopLoss   float64            `json:"stopLoss,omitempty"`
	TakeProfit float64            `json:"takeProfit,omitempty"`
	TrailWidth float64            `json:"trailWidth,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

func (c Command) withDefaults() Command {
	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	return c
}

// normalizeType 将终端 EA 的事件名映射到逻辑消息类型。
func normalizeType(raw string) (MessageType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "POSITION_UPDATE", "OPENED", "CLOSED", "MODIFIED":
		return MessagePositionUpdate, true
	case "ACCOUNT_INFO", "INFO":
		return MessageAccountInfo, true
	case "MARKET_DATA", "PRICE":
		return MessageMarketData, true
	case "HEARTBEAT", "PONG":
		return MessageHeartbeat, true
	case "CONNECTION_STATUS":
		return MessageConnectionStatus, true
	case "ERROR":
		return MessageError, true
	default:
		return "", false
	}
}

// decodeMessage 解析事件帧，payload 取 data 字段，缺省时取整个帧。
func decodeMessage(data []byte) (Message, error) {
	rawType := gjson.GetBytes(data, "type").String()
	typ, ok := normalizeType(rawType)
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, rawType)
	}

	msg := Message{
		Type:      typ,
		AccountID: gjson.GetBytes(data, "accountId").String(),
		Timestamp: time.Now().UTC(),
	}
	if ts := gjson.GetBytes(data, "timestamp"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			msg.Timestamp = parsed.UTC()
		}
	}

	payload := []byte(gjson.GetBytes(data, "data").Raw)
	if len(payload) == 0 {
		payload = data
	}

	switch typ {
	case MessagePositionUpdate:
		var p position.Position
		if err := json.Unmarshal(payload, &p); err != nil {
			return Message{}, fmt.Errorf("bridge: 解析持仓消息失败: %w", err)
		}
		if p.PositionID == "" {
			p.PositionID = gjson.GetBytes(payload, "ticket").String()
		}
		if p.PositionID == "" {
			return Message{}, errors.New("bridge: 持仓消息缺少 positionId")
		}
		switch strings.ToUpper(rawType) {
		case "OPENED":
			p.Status = position.StatusOpen
		case "CLOSED":
			p.Status = position.StatusClosed
		}
		if p.Status == "" {
			p.Status = position.StatusOpen
		}
		if p.AccountID == "" {
			p.AccountID = msg.AccountID
		}
		msg.Position = &p
	case MessageAccountInfo:
		var acc position.AccountBalance
		if err := json.Unmarshal(payload, &acc); err != nil {
			return Message{}, fmt.Errorf("bridge: 解析账户消息失败: %w", err)
		}
		if acc.AccountID == "" {
			acc.AccountID = msg.AccountID
		}
		if acc.AccountID == "" {
			return Message{}, errors.New("bridge: 账户消息缺少 accountId")
		}
		if acc.Timestamp.IsZero() {
			acc.Timestamp = msg.Timestamp
		}
		msg.AccountID = acc.AccountID
		msg.Account = &acc
	case MessageMarketData:
		var md MarketData
		if err := json.Unmarshal(payload, &md); err != nil {
			return Message{}, fmt.Errorf("bridge: 解析行情消息失败: %w", err)
		}
		if md.Symbol == "" || md.Price() <= 0 {
			return Message{}, errors.New("bridge: 行情消息缺少 symbol 或价格")
		}
		if md.Timestamp.IsZero() {
			md.Timestamp = msg.Timestamp
		}
		msg.Market = &md
	case MessageConnectionStatus:
		msg.Status = &ConnectionStatus{
			Status: gjson.GetBytes(payload, "status").String(),
			Detail: gjson.GetBytes(payload, "detail").String(),
		}
	case MessageError:
		msg.Error = gjson.GetBytes(payload, "message").String()
	}
	return msg, nil
}
