// Package transport keeps the websocket connection to the management server:
// it receives remote commands, runs them on the worker pool and pushes
// command results and session notifications back.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/health"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/remote"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/workerpool"
)

var log = logging.L("transport")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Health component name for the server connection.
const healthTransport = "transport"

// Errors returned by Send.
var (
	ErrStopped   = errors.New("client is stopped")
	ErrQueueFull = errors.New("send channel is full")
)

// Config holds the connection settings.
type Config struct {
	ServerURL string
	AgentID   string
	AuthToken string
	// CommandRatePerSecond limits inbound commands. Zero disables the limit.
	CommandRatePerSecond float64
	CommandBurst         int
}

// CommandHandler executes one inbound command.
type CommandHandler func(cmd remote.Command) remote.CommandResult

// Client manages the websocket connection to the server.
type Client struct {
	config     *Config
	conn       *websocket.Conn
	connMu     sync.RWMutex
	cmdHandler CommandHandler
	pool       *workerpool.Pool
	health     *health.Monitor
	limiter    *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	sendChan chan []byte
	stopOnce sync.Once

	runningMu sync.Mutex
	isRunning bool

	// retryInitial is the first reconnect delay; tests shrink it.
	retryInitial time.Duration
}

// New creates a client. pool and mon may be nil; without a pool every
// command runs on its own goroutine.
func New(cfg *Config, handler CommandHandler, pool *workerpool.Pool, mon *health.Monitor) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:       cfg,
		cmdHandler:   handler,
		pool:         pool,
		health:       mon,
		limiter:      newLimiter(cfg.CommandRatePerSecond, cfg.CommandBurst),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		sendChan:     make(chan []byte, sendQueueSize),
		retryInitial: initialBackoff,
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Run connects and serves until ctx is cancelled or Stop is called.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.done:
		}
	}()
	c.Start()
	return nil
}

// Start runs the reconnect loop on the calling goroutine.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop closes the connection and ends the reconnect loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)
		c.cancel()

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(c.ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	select {
	case <-c.done:
		c.connMu.Unlock()
		conn.Close()
		return ErrStopped
	default:
	}
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected", "server", c.config.ServerURL)
	c.health.Update(healthTransport, health.Healthy, "connected")
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", serverURL.Scheme)
	}

	serverURL.Path = fmt.Sprintf("/api/v1/wuremote/%s/ws", c.config.AgentID)
	serverURL.RawPath = fmt.Sprintf("/api/v1/wuremote/%s/ws", url.PathEscape(c.config.AgentID))
	q := serverURL.Query()
	q.Set("token", c.config.AuthToken)
	serverURL.RawQuery = q.Encode()

	return serverURL.String(), nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = maxBackoff
	b.Multiplier = backoffFactor
	b.RandomizationFactor = jitterFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) reconnectLoop() {
	retry := c.newBackOff()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			log.Warn("connection failed", logging.KeyError, err)
			c.health.Observe(healthTransport, err)

			delay := retry.NextBackOff()
			log.Info("retrying", "delay", delay)
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		retry.Reset()

		done := make(chan struct{})
		go c.writePump(done)
		c.readPump()
		close(done)
		c.dropConn()

		c.runningMu.Lock()
		running := c.isRunning
		c.runningMu.Unlock()
		if !running {
			return
		}
		c.health.Update(healthTransport, health.Degraded, "disconnected")
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) dropConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) readPump() {
	conn := c.currentConn()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var cmd remote.Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn("failed to parse message", logging.KeyError, err)
			continue
		}
		// Acks and other server messages carry no id.
		if cmd.ID == "" {
			continue
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		c.schedule(cmd)
	}
}

func (c *Client) schedule(cmd remote.Command) {
	if c.pool == nil {
		go c.processCommand(cmd)
		return
	}
	if !c.pool.Submit(func() { c.processCommand(cmd) }) {
		log.Warn("command rejected, pool is full or stopping",
			logging.KeyCommandID, cmd.ID,
			logging.KeyCommand, cmd.Type)
		c.reply(cmd, remote.NewErrorResult(errors.New("command queue is full")))
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			conn := c.currentConn()
			if conn == nil {
				c.requeue(message)
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				c.requeue(message)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) processCommand(cmd remote.Command) {
	logging.WithCommand(log, cmd.ID, cmd.Type).Debug("processing command")
	c.reply(cmd, c.cmdHandler(cmd))
}

func (c *Client) reply(cmd remote.Command, result remote.CommandResult) {
	result.Type = MsgCommandResult
	result.CommandID = cmd.ID
	if err := c.SendResult(result); err != nil {
		log.Error("failed to send command result",
			logging.KeyCommandID, cmd.ID,
			logging.KeyError, err)
	}
}

// SendResult queues a command result for the server.
func (c *Client) SendResult(result remote.CommandResult) error {
	return c.Send(result)
}

// requeue puts an unsent message back so the next writer picks it up.
// Ordering relative to messages queued meanwhile is not preserved.
func (c *Client) requeue(message []byte) {
	select {
	case c.sendChan <- message:
	default:
		log.Warn("send queue full, dropping message", "bytes", len(message))
	}
}

// Send marshals v and queues it without blocking. Messages queued while
// disconnected are written after the next successful connect.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-c.done:
		return ErrStopped
	default:
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return ErrQueueFull
	}
}
