package fileshare

import (
	"path/filepath"
	"time"

	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/protocol"
)

// RequestCatalog sends p a request for its share catalog, optionally
// scoped to a category and/or free-text query, and returns once the
// request is sent. It does not wait for the reply: the CatalogResponse
// is handled asynchronously by onCatalogResponse, which stores the
// catalog and indexes its files as provided by p. No event or channel
// reports the response's arrival.
func (m *Manager) RequestCatalog(p *peer.Peer, category, query string) error {
	return m.peers.Send(p, protocol.TagCatalogRequest, protocol.CatalogRequest{
		Category: category,
		Query:    query,
		Page:     0,
		PageSize: 0, // 0 = server decides / returns everything matching
	})
}

func (m *Manager) onCatalogRequest(p *peer.Peer, msg protocol.Message) {
	var req protocol.CatalogRequest
	if err := protocol.DecodeBody(msg, &req); err != nil {
		m.log.WithError(err).Debug("malformed catalog request")
		return
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 1 << 20 // effectively unpaged unless the requester asks for paging
	}

	files, total, totalSize := m.filterShares(req.Category, req.Query, req.Page, pageSize)

	resp := protocol.CatalogResponse{
		TotalFiles: total,
		TotalSize:  totalSize,
	}
	for _, sf := range files {
		resp.Files = append(resp.Files, protocol.CatalogFileEntry{
			FileHash:    sf.FileHash,
			Name:        sf.Name,
			Extension:   filepath.Ext(sf.Name),
			Size:        sf.Size,
			Description: sf.Description,
			Category:    string(sf.Category),
			Tags:        sf.Tags,
		})
	}

	if err := m.peers.Send(p, protocol.TagCatalogResponse, resp); err != nil {
		m.log.WithError(err).WithField("peer", p.Address.String()).Warn("failed to send catalog response")
	}
}

func (m *Manager) onCatalogResponse(p *peer.Peer, msg protocol.Message) {
	var resp protocol.CatalogResponse
	if err := protocol.DecodeBody(msg, &resp); err != nil {
		m.log.WithError(err).Debug("malformed catalog response")
		return
	}

	m.catalogMu.Lock()
	m.catalogs[p.Address] = CatalogView{
		PeerName:   resp.PeerName,
		TotalFiles: resp.TotalFiles,
		TotalSize:  resp.TotalSize,
		Files:      resp.Files,
		ReceivedAt: time.Now(),
	}
	m.catalogMu.Unlock()

	m.providersMu.Lock()
	for _, f := range resp.Files {
		set, ok := m.providers[f.FileHash]
		if !ok {
			set = make(map[identity.Address]bool)
			m.providers[f.FileHash] = set
		}
		set[p.Address] = true
	}
	m.providersMu.Unlock()
}

func (m *Manager) onFileAvailability(p *peer.Peer, msg protocol.Message) {
	var avail protocol.FileAvailability
	if err := protocol.DecodeBody(msg, &avail); err != nil {
		m.log.WithError(err).Debug("malformed file availability")
		return
	}
	if len(avail.AvailableIndex) == 0 {
		return
	}

	m.providersMu.Lock()
	set, ok := m.providers[avail.FileHash]
	if !ok {
		set = make(map[identity.Address]bool)
		m.providers[avail.FileHash] = set
	}
	set[p.Address] = true
	m.providersMu.Unlock()
}

// Catalog returns the last received catalog for peer addr, if any.
func (m *Manager) Catalog(addr identity.Address) (CatalogView, bool) {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	v, ok := m.catalogs[addr]
	return v, ok
}

// Providers returns the set of peer addresses currently believed to
// hold fileHash.
func (m *Manager) Providers(fileHash string) []identity.Address {
	m.providersMu.RLock()
	defer m.providersMu.RUnlock()
	set := m.providers[fileHash]
	out := make([]identity.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

func (m *Manager) addProvider(fileHash string, addr identity.Address) {
	m.providersMu.Lock()
	defer m.providersMu.Unlock()
	set, ok := m.providers[fileHash]
	if !ok {
		set = make(map[identity.Address]bool)
		m.providers[fileHash] = set
	}
	set[addr] = true
}
