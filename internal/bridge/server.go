package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"hedge-core/internal/config"
)

const writeWait = 5 * time.Second

// EAInfo 为终端在 AUTH 时上报的信息。
type EAInfo struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Account  string `json:"account"`
	Server   string `json:"serverName,omitempty"`
	Company  string `json:"companyName,omitempty"`
}

// ClientStats 为单个终端连接的统计。
type ClientStats struct {
	ClientID         string    `json:"clientId"`
	Authenticated    bool      `json:"authenticated"`
	Accounts         []string  `json:"accounts"`
	Info             EAInfo    `json:"eaInfo"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	MessagesReceived int       `json:"messagesReceived"`
	MessagesSent     int       `json:"messagesSent"`
	Errors           int       `json:"errors"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	stats ClientStats
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.MessagesSent++
	c.mu.Unlock()
	return nil
}

func (c *client) snapshot() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Accounts = append([]string(nil), c.stats.Accounts...)
	return out
}

// Server 为终端 EA 提供 websocket 接入：共享令牌认证、心跳、事件上送与命令下发。
type Server struct {
	cfg      config.BridgeConfig
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.RWMutex
	clients  map[string]*client
	accounts map[string]string
}

// NewServer 创建桥接服务。
func NewServer(cfg config.BridgeConfig, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = HandlerFunc(func(context.Context, Message) {})
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 5 * time.Minute
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:      time.Now,
		clients:  make(map[string]*client),
		accounts: make(map[string]string),
	}
}

// Run 监听配置地址并运行心跳监控，直到 ctx 结束。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s}

	go func() {
		<-ctx.Done()
		s.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭桥接服务失败", zap.Error(err))
		}
	}()
	go s.monitorHeartbeats(ctx)

	s.logger.Info("桥接服务已启动", zap.String("addr", s.cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge: 监听失败: %w", err)
	}
	return nil
}

// ServeHTTP 升级连接并进入读循环。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := len(s.clients) >= s.cfg.MaxConnections
	s.mu.RUnlock()
	if full {
		s.logger.Warn("连接数已达上限，拒绝连接", zap.Int("max_connections", s.cfg.MaxConnections))
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket 升级失败", zap.Error(err))
		return
	}

	now := s.now().UTC()
	c := &client{conn: conn, stats: ClientStats{
		ClientID:      uuid.NewString(),
		ConnectedAt:   now,
		LastHeartbeat: now,
	}}

	s.mu.Lock()
	s.clients[c.stats.ClientID] = c
	s.mu.Unlock()
	s.logger.Info("终端已连接", zap.String("client_id", c.stats.ClientID), zap.String("remote", r.RemoteAddr))

	s.readLoop(r.Context(), c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer s.remove(c.stats.ClientID, "连接关闭")

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("读取终端消息失败", zap.String("client_id", c.stats.ClientID), zap.Error(err))
			}
			return
		}

		c.mu.Lock()
		c.stats.MessagesReceived++
		c.mu.Unlock()

		if err := s.handleFrame(ctx, c, data); err != nil {
			c.mu.Lock()
			c.stats.Errors++
			c.mu.Unlock()
			s.logger.Debug("终端消息处理失败", zap.String("client_id", c.stats.ClientID), zap.Error(err))
			_ = c.write(map[string]any{
				"type":      frameError,
				"error":     err.Error(),
				"timestamp": s.now().UTC().Format(time.RFC3339Nano),
			})
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, c *client, data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("bridge: invalid json")
	}

	switch gjson.GetBytes(data, "type").String() {
	case frameAuth:
		return s.authenticate(c, data)
	case frameHeartbeat:
		c.mu.Lock()
		c.stats.LastHeartbeat = s.now().UTC()
		c.mu.Unlock()
		return c.write(map[string]any{
			"type":      frameHeartbeatAck,
			"timestamp": s.now().UTC().Format(time.RFC3339Nano),
		})
	}

	c.mu.Lock()
	authed := c.stats.Authenticated
	clientID := c.stats.ClientID
	c.mu.Unlock()
	if !authed {
		return ErrUnauthenticated
	}

	msg, err := decodeMessage(data)
	if err != nil {
		return err
	}
	msg.ClientID = clientID
	if msg.AccountID == "" {
		msg.AccountID = s.primaryAccount(c)
	}
	if msg.AccountID != "" {
		s.bindAccount(c, msg.AccountID)
	}

	if msg.Type == MessageHeartbeat {
		c.mu.Lock()
		c.stats.LastHeartbeat = s.now().UTC()
		c.mu.Unlock()
	}

	s.handler.HandleMessage(ctx, msg)
	return nil
}

func (s *Server) authenticate(c *client, data []byte) error {
	token := gjson.GetBytes(data, "token").String()
	if token == "" || token != s.cfg.AuthToken {
		return errors.New("bridge: invalid auth token")
	}

	var info EAInfo
	if raw := gjson.GetBytes(data, "eaInfo"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), &info); err != nil {
			return fmt.Errorf("bridge: 解析 eaInfo 失败: %w", err)
		}
	}

	c.mu.Lock()
	c.stats.Authenticated = true
	c.stats.Info = info
	c.stats.LastHeartbeat = s.now().UTC()
	clientID := c.stats.ClientID
	c.mu.Unlock()

	for _, account := range []string{info.Account, gjson.GetBytes(data, "accountId").String()} {
		if account != "" {
			s.bindAccount(c, account)
		}
	}

	s.logger.Info("终端认证成功",
		zap.String("client_id", clientID),
		zap.String("account", info.Account),
		zap.String("platform", info.Platform),
	)
	return c.write(map[string]any{
		"type":      frameAuthSuccess,
		"clientId":  clientID,
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) bindAccount(c *client, accountID string) {
	c.mu.Lock()
	known := false
	for _, a := range c.stats.Accounts {
		if a == accountID {
			known = true
			break
		}
	}
	if !known {
		c.stats.Accounts = append(c.stats.Accounts, accountID)
	}
	clientID := c.stats.ClientID
	c.mu.Unlock()

	s.mu.Lock()
	s.accounts[accountID] = clientID
	s.mu.Unlock()
}

func (s *Server) primaryAccount(c *client) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stats.Accounts) == 0 {
		return ""
	}
	return c.stats.Accounts[0]
}

// Send 将命令路由到负责该账户的终端。
func (s *Server) Send(accountID string, cmd Command) error {
	s.mu.RLock()
	c, ok := s.clients[s.accounts[accountID]]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoClient, accountID)
	}

	cmd.AccountID = accountID
	cmd = cmd.withDefaults()
	if err := c.write(cmd); err != nil {
		return fmt.Errorf("bridge: 发送命令 %s 失败: %w", cmd.Type, err)
	}
	s.logger.Debug("命令已下发",
		zap.String("type", string(cmd.Type)),
		zap.String("account_id", accountID),
		zap.String("command_id", cmd.CommandID),
	)
	return nil
}

// Broadcast 将命令发给所有已认证终端，返回成功数。
func (s *Server) Broadcast(cmd Command) int {
	cmd = cmd.withDefaults()
	sent := 0
	for _, c := range s.authenticated() {
		if err := c.write(cmd); err != nil {
			s.logger.Warn("广播命令失败", zap.String("client_id", c.snapshot().ClientID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Clients 返回所有连接的统计，按连接时间排序。
func (s *Server) Clients() []ClientStats {
	s.mu.RLock()
	out := make([]ClientStats, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (s *Server) authenticated() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		c.mu.Lock()
		ok := c.stats.Authenticated
		c.mu.Unlock()
		if ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) monitorHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
			for _, c := range s.authenticated() {
				_ = c.write(map[string]any{
					"type":      frameHeartbeat,
					"timestamp": s.now().UTC().Format(time.RFC3339Nano),
				})
			}
		}
	}
}

// sweep 移除超过连接超时未发心跳的终端，返回移除数量。
func (s *Server) sweep() int {
	now := s.now().UTC()
	s.mu.RLock()
	var stale []string
	for id, c := range s.clients {
		c.mu.Lock()
		last := c.stats.LastHeartbeat
		c.mu.Unlock()
		if now.Sub(last) > s.cfg.ConnectionTimeout {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.remove(id, "心跳超时")
	}
	return len(stale)
}

func (s *Server) remove(clientID, reason string) {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
		for account, owner := range s.accounts {
			if owner == clientID {
				delete(s.accounts, account)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	_ = c.conn.Close()
	s.logger.Info("终端已断开", zap.String("client_id", clientID), zap.String("reason", reason))
	s.handler.HandleMessage(context.Background(), Message{
		Type:      MessageConnectionStatus,
		ClientID:  clientID,
		Timestamp: s.now().UTC(),
		Status:    &ConnectionStatus{Status: "disconnected", Detail: reason},
	})
}

func (s *Server) closeAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.remove(id, "服务关闭")
	}
}
