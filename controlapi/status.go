package controlapi

import (
	"net/http"

	"github.com/sparxnet/core/peer"
)

type statusResponse struct {
	Address           string `json:"address"`
	PeerCount         int    `json:"peer_count"`
	RoutingTableCount int    `json:"routing_table_count"`
}

/*
handleStatus reports overall connectivity.
Request:  GET /status
Response: 200 with statusResponse
*/
func (api *Instance) handleStatus(w http.ResponseWriter, r *http.Request) {
	api.encodeJSON(w, r, statusResponse{
		Address:           api.n.Address().String(),
		PeerCount:         len(api.n.Peers().All()),
		RoutingTableCount: api.n.Table().Count(),
	})
}

type peerInfo struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status"`
	Permissions string `json:"permissions,omitempty"`
	Authorized  bool   `json:"authorized"`
	LatencyMs   int64  `json:"latency_ms"`
}

func peerInfoOf(p *peer.Peer) peerInfo {
	return peerInfo{
		Address:     p.Address.String(),
		DisplayName: p.DisplayName(),
		Status:      p.Status().String(),
		Permissions: p.Permissions().String(),
		Authorized:  p.IsAuthorized(),
		LatencyMs:   p.LatencyMs(),
	}
}

/*
handlePeers lists every currently connected peer.
Request:  GET /status/peers
Response: 200 with []peerInfo
*/
func (api *Instance) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := api.n.Peers().All()
	out := make([]peerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerInfoOf(p))
	}
	api.encodeJSON(w, r, out)
}
