// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/service"
	"potentiostat-service/internal/utils"
)

// WebSocketHandler streams instrument events to browser clients
type WebSocketHandler struct {
	upgrader          websocket.Upgrader
	connections       *ConnectionManager
	instrumentService *service.InstrumentService
	experimentService *service.ExperimentService
	eventBus          *EventBus
	config            *config.WebSocketConfig
	logger            *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler and starts forwarding
// bus events to connected clients
func NewWebSocketHandler(
	instrumentService *service.InstrumentService,
	experimentService *service.ExperimentService,
	eventBus *EventBus,
	cfg *config.Config,
	logger *zap.Logger,
) *WebSocketHandler {
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		allowed[origin] = true
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}

	handler := &WebSocketHandler{
		upgrader:          upgrader,
		connections:       NewConnectionManager(),
		instrumentService: instrumentService,
		experimentService: experimentService,
		eventBus:          eventBus,
		config:            &cfg.WebSocket,
		logger:            utils.NewServiceLogger(logger, "websocket-handler"),
	}

	go handler.forwardEvents(eventBus.SubscribeAll())

	return handler
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	// every instrument event, optionally filtered by topic
	router.GET("/events", h.HandleEventConnection)

	// events of one run
	router.GET("/runs/:id", h.HandleRunConnection)

	// phase changes and amperometry chunks only
	router.GET("/stream", h.HandleStreamConnection)
}

// HandleEventConnection handles general event WebSocket connections
// @Summary Instrument event stream
// @Description Upgrade to a WebSocket that receives every instrument event
// @Tags WebSocket
// @Router /ws/events [get]
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	client := h.accept(c, "events", nil)
	if client == nil {
		return
	}
	go h.sendInitialStatus(client)
}

// HandleRunConnection handles run-specific WebSocket connections
// @Summary Run event stream
// @Description Upgrade to a WebSocket that receives the events of one run
// @Tags WebSocket
// @Param id path string true "Run ID"
// @Router /ws/runs/{id} [get]
func (h *WebSocketHandler) HandleRunConnection(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid run ID", err)
		return
	}
	id := runID.String()
	client := h.accept(c, "run", &id)
	if client == nil {
		return
	}
	go h.sendInitialRun(client, runID)
}

// HandleStreamConnection handles live data WebSocket connections
// @Summary Live data stream
// @Description Upgrade to a WebSocket that receives phase changes and amperometry chunks
// @Tags WebSocket
// @Router /ws/stream [get]
func (h *WebSocketHandler) HandleStreamConnection(c *gin.Context) {
	h.accept(c, "stream", nil)
}

func (h *WebSocketHandler) accept(c *gin.Context, clientType string, runID *string) *Client {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return nil
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        clientType,
		RunID:       runID,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("type", clientType),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
	return client
}

// forwardEvents turns bus events into broadcasts until the bus closes
func (h *WebSocketHandler) forwardEvents(events <-chan *model.InstrumentEvent) {
	for event := range events {
		h.BroadcastEvent(event)
	}
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	pongWait := h.config.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	if h.config.MaxMessageSize > 0 {
		client.Connection.SetReadLimit(h.config.MaxMessageSize)
	}
	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Error("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	pingInterval := h.config.PingInterval
	if pingInterval <= 0 {
		pingInterval = 54 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		h.handleSubscription(client, message)
	case "command":
		h.handleCommand(client, message)
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
	}
}

// handleSubscription narrows or widens the client's event type filter
func (h *WebSocketHandler) handleSubscription(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, "topic is required")
		return
	}
	topic, ok := data["topic"].(string)
	if !ok || topic == "" {
		h.sendError(client, "topic is required")
		return
	}

	if message.Type == "unsubscribe" {
		client.Unsubscribe(topic)
		h.logger.Debug("Client unsubscribed from topic",
			zap.String("client_id", client.ID),
			zap.String("topic", topic),
		)
		return
	}

	client.Subscribe(topic)
	h.logger.Debug("Client subscribed to topic",
		zap.String("client_id", client.ID),
		zap.String("topic", topic),
	)
	h.sendMessage(client, &WebSocketMessage{
		Type:      "subscription_confirmed",
		Data:      map[string]interface{}{"topic": topic},
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// handleCommand handles instrument command messages
func (h *WebSocketHandler) handleCommand(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, "invalid command data")
		return
	}
	command, ok := data["command"].(string)
	if !ok {
		h.sendError(client, "command is required")
		return
	}

	go h.executeCommand(client, command, message.RequestID)
}

// executeCommand runs a command against the instrument and replies with the outcome
func (h *WebSocketHandler) executeCommand(client *Client, command, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	var result interface{}

	switch command {
	case "status":
		result = h.instrumentService.Status()
	case "state":
		result = h.experimentService.State()
	case "calibrate":
		result, err = h.instrumentService.Calibrate(ctx)
	case "cancel":
		err = h.experimentService.Cancel(ctx)
		result = h.experimentService.State()
	case "stop_amperometry":
		result, err = h.experimentService.StopAmperometry(ctx)
	default:
		h.sendError(client, fmt.Sprintf("unknown command: %s", command))
		return
	}

	data := map[string]interface{}{
		"command": command,
		"success": err == nil,
		"result":  result,
	}
	if err != nil {
		data["error"] = err.Error()
		data["error_code"] = model.ErrorCode(err)
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      "command_response",
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// sendInitialStatus sends the instrument snapshot to a new client
func (h *WebSocketHandler) sendInitialStatus(client *Client) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "initial_status",
		Data:      h.instrumentService.Status(),
		Timestamp: time.Now(),
	})
}

// sendInitialRun sends the stored run to a client following it
func (h *WebSocketHandler) sendInitialRun(client *Client, runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := h.experimentService.GetRun(ctx, runID)
	if err != nil {
		h.sendError(client, fmt.Sprintf("failed to get run: %v", err))
		return
	}
	h.sendMessage(client, &WebSocketMessage{
		Type:      "initial_run",
		Data:      run,
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	dropped := h.connections.Send(func(c *Client) bool { return c == client }, messageBytes)
	if dropped > 0 {
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// BroadcastEvent delivers an instrument event to every client that wants it
func (h *WebSocketHandler) BroadcastEvent(event *model.InstrumentEvent) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "instrument_event",
		Data:      event,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	eventType := string(event.EventType)
	dropped := h.connections.Send(func(c *Client) bool {
		switch c.Type {
		case "run":
			if event.RunID == nil || c.RunID == nil || *c.RunID != event.RunID.String() {
				return false
			}
		case "stream":
			if event.EventType != model.EventAmperometryChunk && event.EventType != model.EventPhaseChanged {
				return false
			}
		}
		return c.Wants(eventType)
	}, messageBytes)

	if dropped > 0 {
		h.logger.Warn("Client send channels full during broadcast",
			zap.String("event_type", eventType),
			zap.Int("dropped", dropped),
		)
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
