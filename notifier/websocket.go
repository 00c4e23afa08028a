package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateReconnecting
)

type WebSocketConfig struct {
	// URL of the invalidation relay every instance connects to.
	URL            string        `json:"url"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	MaxRetries     int           `json:"max_retries"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongWait       time.Duration `json:"pong_wait"`
	WriteWait      time.Duration `json:"write_wait"`
}

// applyDefaults fills fields the caller left unset. A partial config must
// never reach the pumps with a zero interval: time.NewTicker(0) panics and a
// zero PongWait sets an already-expired read deadline.
func (c *WebSocketConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = "ws://localhost:8081/ws"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// WebSocketNotifier propagates invalidation events between instances through
// a shared relay. Each instance publishes its local invalidations and applies
// the ones it receives; events carrying its own origin are skipped.
type WebSocketNotifier struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger types.Logger
	health types.HealthManager
	config *WebSocketConfig

	origin string

	conn   *websocket.Conn
	connMu sync.RWMutex

	handlers []func(event *types.InvalidationEvent)
	subsMu   sync.RWMutex

	send        chan *types.InvalidationEvent
	reconnectCh chan struct{}

	state             atomic.Value
	reconnectAttempts int32
}

func NewWebSocketNotifier(ctx context.Context, logger types.Logger, config *types.NotifierConfig, health types.HealthManager) (types.Notifier, error) {
	wsConfig := &WebSocketConfig{}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, wsConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket notifier config")
		}
	}

	wsConfig.applyDefaults()

	notifierCtx, cancel := context.WithCancel(ctx)

	n := &WebSocketNotifier{
		ctx:         notifierCtx,
		cancel:      cancel,
		logger:      logger,
		health:      health,
		config:      wsConfig,
		origin:      uuid.NewString(),
		send:        make(chan *types.InvalidationEvent, 256),
		reconnectCh: make(chan struct{}, 1),
	}

	n.state.Store(StateStopped)

	if health != nil {
		health.RegisterChecker("notifier_websocket", n.healthCheck)
	}

	logger.Info("WebSocket notifier initialized",
		zap.String("url", wsConfig.URL),
		zap.String("origin", n.origin))

	return n, nil
}

func (n *WebSocketNotifier) Publish(event *types.InvalidationEvent) error {
	if !n.IsRunning() {
		return types.ErrNotifierNotRunning
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Origin = n.origin
	if event.IssuedAt.IsZero() {
		event.IssuedAt = time.Now()
	}

	select {
	case n.send <- event:
		return nil
	case <-n.ctx.Done():
		return types.ErrNotifierNotRunning
	default:
		n.logger.Error("Send queue full, dropping invalidation event",
			zap.String("event_id", event.ID))
		return types.ErrNotifierQueueFull
	}
}

func (n *WebSocketNotifier) Subscribe(handler func(event *types.InvalidationEvent)) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()

	n.handlers = append(n.handlers, handler)
}

func (n *WebSocketNotifier) Start() error {
	if !n.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := n.connect(); err != nil {
		n.state.Store(StateStopped)
		return types.WrapError(err, "failed to establish initial connection")
	}

	n.state.Store(StateRunning)

	go n.readPump()
	go n.writePump()
	go n.reconnectLoop()

	n.logger.Info("WebSocket notifier started")
	return nil
}

func (n *WebSocketNotifier) Stop() error {
	if !n.state.CompareAndSwap(StateRunning, StateStopping) &&
		!n.state.CompareAndSwap(StateReconnecting, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		n.state.Store(StateStopped)
		n.cancel()
	}()

	n.connMu.Lock()
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.connMu.Unlock()

	n.logger.Info("WebSocket notifier stopped")
	return nil
}

func (n *WebSocketNotifier) IsRunning() bool {
	state := n.state.Load().(State)
	return state == StateRunning || state == StateReconnecting
}

func (n *WebSocketNotifier) connect() error {
	dialCtx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, n.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial invalidation relay")
	}

	n.connMu.Lock()
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.conn = conn
	n.connMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(n.config.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(n.config.PongWait))
		return nil
	})

	atomic.StoreInt32(&n.reconnectAttempts, 0)

	n.logger.Info("Connected to invalidation relay", zap.String("url", n.config.URL))
	return nil
}

func (n *WebSocketNotifier) reconnectLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.reconnectCh:
			if !n.IsRunning() {
				return
			}

			n.state.CompareAndSwap(StateRunning, StateReconnecting)

			retryCount := atomic.LoadInt32(&n.reconnectAttempts)
			if int(retryCount) >= n.config.MaxRetries {
				n.logger.Error("Max reconnection attempts reached, notifier giving up")
				if n.state.CompareAndSwap(StateReconnecting, StateStopping) {
					n.cancel()
					n.state.Store(StateStopped)
				}
				return
			}

			select {
			case <-time.After(n.config.ReconnectDelay):
			case <-n.ctx.Done():
				return
			}

			atomic.AddInt32(&n.reconnectAttempts, 1)

			if err := n.connect(); err != nil {
				n.logger.Error("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&n.reconnectAttempts)),
					zap.Error(err))
				n.triggerReconnect()
				continue
			}

			n.state.CompareAndSwap(StateReconnecting, StateRunning)
			go n.readPump()
		}
	}
}

func (n *WebSocketNotifier) triggerReconnect() {
	select {
	case n.reconnectCh <- struct{}{}:
	default:
	}
}

func (n *WebSocketNotifier) readPump() {
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		if !n.IsRunning() {
			return
		}

		ok := n.withConnection(func(conn *websocket.Conn) error {
			_, messageData, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					n.logger.Debug("Relay connection closed", zap.Error(err))
				}
				return err
			}

			var event types.InvalidationEvent
			if err := utils.Unmarshal(messageData, &event); err != nil {
				n.logger.Error("Failed to unmarshal invalidation event", zap.Error(err))
				return nil
			}

			n.handleIncomingEvent(&event)
			return nil
		})

		if !ok {
			if n.IsRunning() {
				n.triggerReconnect()
			}
			return
		}
	}
}

func (n *WebSocketNotifier) writePump() {
	ticker := time.NewTicker(n.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case event := <-n.send:
			ok := n.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(n.config.WriteWait))

				data, err := utils.Marshal(event)
				if err != nil {
					n.logger.Error("Failed to marshal invalidation event",
						zap.Error(err), zap.String("event_id", event.ID))
					return nil
				}

				return conn.WriteMessage(websocket.TextMessage, data)
			})

			if !ok && n.IsRunning() {
				n.triggerReconnect()
			}

		case <-ticker.C:
			if !n.IsRunning() {
				return
			}

			ok := n.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(n.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

			if !ok && n.IsRunning() {
				n.triggerReconnect()
			}
		}
	}
}

func (n *WebSocketNotifier) withConnection(fn func(*websocket.Conn) error) bool {
	n.connMu.RLock()
	defer n.connMu.RUnlock()

	if n.conn == nil {
		return false
	}

	if err := fn(n.conn); err != nil {
		n.logger.Error("WebSocket operation failed", zap.Error(err))
		return false
	}

	return true
}

func (n *WebSocketNotifier) handleIncomingEvent(event *types.InvalidationEvent) {
	// Events published by this instance echo back through the relay.
	if event.Origin == n.origin {
		return
	}

	n.subsMu.RLock()
	handlers := make([]func(event *types.InvalidationEvent), len(n.handlers))
	copy(handlers, n.handlers)
	n.subsMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("Invalidation handler panicked",
						zap.String("event_id", event.ID),
						zap.Any("panic", r))
				}
			}()
			handler(event)
		}()
	}
}

func (n *WebSocketNotifier) healthCheck(ctx context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "notifier_websocket",
		LastCheck: start,
	}

	n.connMu.RLock()
	connected := n.conn != nil
	n.connMu.RUnlock()

	if connected && n.IsRunning() {
		check.Status = types.StatusHealthy
	} else {
		check.Status = types.StatusUnhealthy
		check.Message = "relay connection down"
	}

	check.Duration = time.Since(start)
	return check
}
