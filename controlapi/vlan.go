package controlapi

import "net/http"

type vlanMemberInfo struct {
	Address      string   `json:"address"`
	VirtualIP    string   `json:"virtual_ip"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities,omitempty"`
}

/*
handleVLanMembers lists current virtual LAN membership. Returns an
empty list, not an error, if the virtual LAN overlay was never
configured for this node.
Request:  GET /vlan/members
Response: 200 with []vlanMemberInfo
*/
func (api *Instance) handleVLanMembers(w http.ResponseWriter, r *http.Request) {
	v := api.n.VLan()
	if v == nil {
		api.encodeJSON(w, r, []vlanMemberInfo{})
		return
	}

	members := v.Members()
	out := make([]vlanMemberInfo, 0, len(members))
	for _, m := range members {
		out = append(out, vlanMemberInfo{
			Address:      m.Address.String(),
			VirtualIP:    m.VirtualIP.String(),
			Hostname:     m.Hostname,
			Capabilities: m.Capabilities,
		})
	}
	api.encodeJSON(w, r, out)
}
