package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
)

const connectTimeout = 15 * time.Second

type connectRequest struct {
	Shareable string `json:"shareable"` // "address@ip:port"
}

/*
handleConnect dials and handshakes a peer given its shareable address.
Request:  POST /peer/connect with connectRequest
Response: 200 with peerInfo, or an error status from httpStatus
*/
func (api *Instance) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	p, err := api.n.ConnectByShareable(ctx, req.Shareable)
	if err != nil {
		api.writeError(w, r, err)
		return
	}

	api.encodeJSON(w, r, peerInfoOf(p))
}

type authorizeRequest struct {
	PeerAddress string `json:"peer_address"`
	Permissions string `json:"permissions"` // pipe-delimited, e.g. "Contact|FileTransfer"
}

/*
handleAuthorize grants permissions to a connected peer directly,
outside the PermissionRequest/PermissionResponse handshake flow.
Request:  POST /peer/authorize with authorizeRequest
Response: 200 with peerInfo
*/
func (api *Instance) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
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

	if err := api.n.Peers().Authorize(addr, peer.ParsePermissions(req.Permissions)); err != nil {
		api.writeError(w, r, err)
		return
	}
	api.encodeJSON(w, r, peerInfoOf(p))
}

type revokeRequest struct {
	PeerAddress string `json:"peer_address"`
}

/*
handleRevoke clears a connected peer's permissions and removes it
from the authorized-peers index.
Request:  POST /peer/revoke with revokeRequest
Response: 204 on success
*/
func (api *Instance) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	addr, err := identity.Decode(req.PeerAddress)
	if err != nil {
		http.Error(w, "malformed peer_address", http.StatusBadRequest)
		return
	}
	api.n.RevokePermission(addr)
	w.WriteHeader(http.StatusNoContent)
}

type permissionRespondRequest struct {
	PeerAddress string `json:"peer_address"`
	RequestID   string `json:"request_id"`
	Granted     bool   `json:"granted"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

/*
handlePermissionRespond answers a pending PermissionRequest delivered
over /chat/stream.
Request:  POST /peer/permission/respond with permissionRespondRequest
Response: 204 on success
*/
func (api *Instance) handlePermissionRespond(w http.ResponseWriter, r *http.Request) {
	var req permissionRespondRequest
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

	duration := time.Duration(req.DurationMs) * time.Millisecond
	if err := api.n.RespondPermission(p, req.RequestID, req.Granted, duration); err != nil {
		api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
