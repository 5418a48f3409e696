package channels

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/config"
)

// WebUIChannel serves a local browser chat over WebSocket. Each browser tab
// binds to one chat_id; outbound messages fan out to every tab on that chat.
type WebUIChannel struct {
	*BaseChannel
	cfg config.WebUIConfig

	server *http.Server

	mu     sync.Mutex
	byChat map[string]map[*websocket.Conn]bool
	chats  map[*websocket.Conn]string
}

func NewWebUI(cfg config.WebUIConfig, msgBus *bus.MessageBus) *WebUIChannel {
	return &WebUIChannel{
		BaseChannel: NewBaseChannel("webui", msgBus, cfg.AllowFrom, cfg.RateLimitS),
		cfg:         cfg,
		byChat:      make(map[string]map[*websocket.Conn]bool),
		chats:       make(map[*websocket.Conn]string),
	}
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

func (c *WebUIChannel) requireToken() bool {
	return c.cfg.AuthToken != "" || !isLoopbackHost(c.cfg.Host)
}

func (c *WebUIChannel) tokenOK(token string) bool {
	if c.cfg.AuthToken == "" {
		return isLoopbackHost(c.cfg.Host)
	}
	return subtle.ConstantTimeCompare([]byte(c.cfg.AuthToken), []byte(token)) == 1
}

// Start binds the HTTP/WebSocket server.
func (c *WebUIChannel) Start(ctx context.Context) error {
	if !isLoopbackHost(c.cfg.Host) && c.cfg.AuthToken == "" {
		return fmt.Errorf("webui: binding to %s requires channels.webui.auth_token", c.cfg.Host)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/ws", c.handleWS)

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webui listen on %s: %w", addr, err)
	}

	c.server = &http.Server{Handler: mux}
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("webui server exited", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("webui listening", "addr", "http://"+ln.Addr().String()+"/")
	return nil
}

// Stop shuts the server down and closes all clients.
func (c *WebUIChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)

	c.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(c.chats))
	for conn := range c.chats {
		conns = append(conns, conn)
	}
	c.byChat = make(map[string]map[*websocket.Conn]bool)
	c.chats = make(map[*websocket.Conn]string)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Send broadcasts an outbound message to every tab on its chat.
func (c *WebUIChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	payload := map[string]any{
		"type":    msg.Type(),
		"chat_id": msg.ChatID,
		"content": msg.Content,
		"ts":      time.Now().UnixMilli(),
	}

	c.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(c.byChat[msg.ChatID]))
	for conn := range c.byChat[msg.ChatID] {
		targets = append(targets, conn)
	}
	c.mu.Unlock()

	for _, conn := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		// Best effort: dead sockets are reaped by their read loops.
		_ = wsjson.Write(writeCtx, conn, payload)
		cancel()
	}
	return nil
}

func (c *WebUIChannel) handleWS(w http.ResponseWriter, r *http.Request) {
	if c.requireToken() && !c.tokenOK(r.URL.Query().Get("token")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("webui accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
	if chatID == "" {
		chatID = "c:" + uuid.NewString()[:8]
	}
	senderID := strings.TrimSpace(r.URL.Query().Get("sender_id"))
	if senderID == "" {
		senderID = "u:" + uuid.NewString()[:8]
	}

	ctx := r.Context()
	c.bind(conn, chatID)
	defer c.drop(conn)
	slog.Info("webui client connected", "chat_id", chatID, "sender_id", senderID)

	_ = wsjson.Write(ctx, conn, map[string]any{
		"type": "session", "chat_id": chatID, "sender_id": senderID,
	})

	for {
		var frame map[string]any
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		chatID = c.handleFrame(ctx, conn, chatID, senderID, frame)
	}
}

// handleFrame processes one client frame and returns the (possibly changed)
// chat id for the connection.
func (c *WebUIChannel) handleFrame(ctx context.Context, conn *websocket.Conn, chatID, senderID string, frame map[string]any) string {
	kind, _ := frame["type"].(string)
	switch kind {
	case "ping":
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})

	case "new_chat":
		newID := "c:" + uuid.NewString()[:8]
		c.mu.Lock()
		c.unbindLocked(conn, chatID)
		c.bindLocked(conn, newID)
		c.mu.Unlock()
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "session", "chat_id": newID, "sender_id": senderID})
		return newID

	case "message":
		content, _ := frame["content"].(string)
		if strings.TrimSpace(content) == "" {
			return chatID
		}
		var media []string
		if items, ok := frame["media"].([]any); ok {
			for _, item := range items {
				if path, ok := item.(string); ok && path != "" {
					media = append(media, path)
				}
			}
		}
		metadata := map[string]any{"client": "webui"}
		if model, ok := frame["model"].(string); ok && strings.TrimSpace(model) != "" {
			metadata["model"] = strings.TrimSpace(model)
		}
		c.HandleMessage(senderID, chatID, content, media, metadata)

	case "subagent_list":
		c.control(senderID, chatID, map[string]any{"action": "subagent_list"})

	case "subagent_spawn":
		task, _ := frame["task"].(string)
		if strings.TrimSpace(task) == "" {
			_ = wsjson.Write(ctx, conn, map[string]any{"type": "error", "error": "missing task"})
			return chatID
		}
		label, _ := frame["label"].(string)
		c.control(senderID, chatID, map[string]any{"action": "subagent_spawn", "task": task, "label": label})

	case "subagent_cancel":
		taskID, _ := frame["task_id"].(string)
		if strings.TrimSpace(taskID) == "" {
			_ = wsjson.Write(ctx, conn, map[string]any{"type": "error", "error": "missing task_id"})
			return chatID
		}
		c.control(senderID, chatID, map[string]any{"action": "subagent_cancel", "task_id": taskID})
	}
	return chatID
}

func (c *WebUIChannel) control(senderID, chatID string, action map[string]any) {
	c.HandleMessage(senderID, chatID, "", nil, map[string]any{
		"client":  "webui",
		"control": action,
	})
}

func (c *WebUIChannel) bind(conn *websocket.Conn, chatID string) {
	c.mu.Lock()
	c.bindLocked(conn, chatID)
	c.mu.Unlock()
}

func (c *WebUIChannel) bindLocked(conn *websocket.Conn, chatID string) {
	if c.byChat[chatID] == nil {
		c.byChat[chatID] = make(map[*websocket.Conn]bool)
	}
	c.byChat[chatID][conn] = true
	c.chats[conn] = chatID
}

func (c *WebUIChannel) unbindLocked(conn *websocket.Conn, chatID string) {
	if set := c.byChat[chatID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(c.byChat, chatID)
		}
	}
	delete(c.chats, conn)
}

func (c *WebUIChannel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if chatID, ok := c.chats[conn]; ok {
		c.unbindLocked(conn, chatID)
	}
	c.mu.Unlock()
}
