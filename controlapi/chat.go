package controlapi

import (
	"net/http"

	"github.com/sparxnet/core/identity"
)

type chatSendRequest struct {
	PeerAddress string `json:"peer_address"`
	Content     string `json:"content"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

/*
handleChatSend sends a chat message to a connected peer.
Request:  POST /chat/send with chatSendRequest
Response: 204 on success
*/
func (api *Instance) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	addr, err := identity.Decode(req.PeerAddress)
	if err != nil {
		http.Error(w, "malformed peer_address", http.StatusBadRequest)
		return
	}
	p, ok := api.n.Peers().Get(addr)
	if !ok {
		http.Error(w, "peer not connected", http.StatusNotFound)
		return
	}

	if err := api.n.SendChat(p, req.Content, req.ReplyTo); err != nil {
		api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvent is the envelope every /chat/stream message is wrapped
// in, so a single websocket can multiplex chat, permission requests,
// and permission results without the client needing separate sockets.
type streamEvent struct {
	Type string      `json:"type"` // "chat", "permission_request", "permission_result"
	Data interface{} `json:"data"`
}

/*
handleChatStream upgrades to a websocket and forwards every inbound
chat message, permission request, and permission result as a
streamEvent until the client disconnects.
Request:  GET /chat/stream
Response: upgraded websocket, newline-delimited JSON streamEvent frames
*/
func (api *Instance) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // gorilla already wrote the HTTP error response
	}
	defer conn.Close()

	chat := api.n.ChatReceived()
	permReq := api.n.PermissionRequests()
	permRes := api.n.PermissionResults()

	for {
		var ev streamEvent
		select {
		case msg, ok := <-chat:
			if !ok {
				return
			}
			ev = streamEvent{Type: "chat", Data: chatEventData{
				PeerAddress: msg.Peer.Address.String(),
				Content:     msg.Content,
				ReplyTo:     msg.ReplyTo,
				Timestamp:   msg.Timestamp.UnixMilli(),
			}}
		case req, ok := <-permReq:
			if !ok {
				return
			}
			ev = streamEvent{Type: "permission_request", Data: permissionRequestEventData{
				PeerAddress: req.Peer.Address.String(),
				RequestID:   req.RequestID,
				Type:        req.Type,
				DisplayName: req.DisplayName,
			}}
		case res, ok := <-permRes:
			if !ok {
				return
			}
			ev = streamEvent{Type: "permission_result", Data: permissionResultEventData{
				PeerAddress: res.Peer.Address.String(),
				RequestID:   res.RequestID,
				Granted:     res.Granted,
				DurationMs:  res.Duration.Milliseconds(),
			}}
		}

		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

type chatEventData struct {
	PeerAddress string `json:"peer_address"`
	Content     string `json:"content"`
	ReplyTo     string `json:"reply_to,omitempty"`
	Timestamp   int64  `json:"timestamp_ms"`
}

type permissionRequestEventData struct {
	PeerAddress string `json:"peer_address"`
	RequestID   string `json:"request_id"`
	Type        string `json:"permission_type"`
	DisplayName string `json:"display_name,omitempty"`
}

type permissionResultEventData struct {
	PeerAddress string `json:"peer_address"`
	RequestID   string `json:"request_id"`
	Granted     bool   `json:"granted"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}
