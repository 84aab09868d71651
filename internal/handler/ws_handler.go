package handler

import (
	"context"
	"net/http"
	"sync"

	"inkdown-docsync/internal/service"
	"inkdown-docsync/internal/websocket"
	"inkdown-docsync/pkg/jwt"
	"inkdown-docsync/pkg/response"

	"github.com/golang/glog"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager     *websocket.Manager
	syncService *service.SyncService
	jwtSecret   string
	upgrader    ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, syncService *service.SyncService, jwtSecret string, readBuffer, writeBuffer int) *WebSocketHandler {
	return &WebSocketHandler{
		manager:     manager,
		syncService: syncService,
		jwtSecret:   jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection attaches one view session to the document named by the
// document_id query parameter.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}

	if token == "" {
		glog.Warningf("[WebSocket] Missing authorization token")
		response.Unauthorized(w, "missing authorization token")
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		glog.Warningf("[WebSocket] Token validation failed: %v", err)
		response.Unauthorized(w, "invalid token")
		return
	}

	documentID := r.URL.Query().Get("document_id")
	if documentID == "" {
		response.BadRequest(w, "missing document_id")
		return
	}

	sessionID, err := h.syncService.Attach(r.Context(), documentID, claims.UserID)
	if err != nil {
		glog.Errorf("[WebSocket] Failed to attach to %s: %v", documentID, err)
		response.ServiceUnavailable(w, "document unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[WebSocket] Failed to upgrade connection: %v", err)
		if err := h.syncService.Detach(context.Background(), sessionID); err != nil {
			glog.Errorf("[WebSocket] Failed to detach session %s after upgrade failure: %v", sessionID, err)
		}
		return
	}

	glog.V(1).Infof("[WebSocket] Session %s connected for user %s on %s", sessionID, claims.UserID, documentID)

	client := websocket.NewClient(sessionID, claims.UserID, documentID, conn, h.manager)
	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

type WebSocketMessageHandler struct {
	syncService *service.SyncService
	wg          sync.WaitGroup
}

func NewWebSocketMessageHandler(syncService *service.SyncService) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		syncService: syncService,
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeReady:
		return h.syncService.MarkReady(client.ID)

	case websocket.TypeEdit:
		return h.handleEdit(client, msg)

	case websocket.TypeRequestResync:
		return h.syncService.Resync(client.ID)

	case websocket.TypePing:
		return h.handlePing(client)

	default:
		glog.Warningf("[WebSocket] unknown message type: %s", msg.Type)
	}

	return nil
}

// HandleDisconnect runs on the manager loop, so the detach (which may persist
// the document) happens on its own goroutine.
func (h *WebSocketMessageHandler) HandleDisconnect(client *websocket.Client) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.syncService.Detach(context.Background(), client.ID); err != nil {
			glog.Errorf("[WebSocket] Failed to detach session %s: %v", client.ID, err)
		}
	}()
}

// Wait blocks until every detach started by HandleDisconnect has finished.
func (h *WebSocketMessageHandler) Wait() {
	h.wg.Wait()
}

// handleEdit drops malformed proposals without an answer; every well-formed
// one is answered by the sync service.
func (h *WebSocketMessageHandler) handleEdit(client *websocket.Client, msg *websocket.Message) error {
	payload, err := msg.DecodeEdit()
	if err != nil {
		return err
	}

	result, err := h.syncService.HandleEdit(context.Background(), client.ID, &service.EditProposal{
		TxID:         payload.TxID,
		BaseVersion:  *payload.BaseVersion,
		Replacements: payload.Replacements,
	})
	if err != nil {
		return err
	}

	glog.V(1).Infof("[WebSocket] edit %s from %s: %s at v%d", result.TxID, client.ID, result.Outcome, result.Version)
	return nil
}

func (h *WebSocketMessageHandler) handlePing(client *websocket.Client) error {
	pongMsg, err := websocket.NewMessage(websocket.TypePong, nil)
	if err != nil {
		return err
	}

	return client.Manager.SendToClient(client.ID, pongMsg)
}
