package fileshare

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/protocol"
)

// onChunkRequest serves P2PChunkRequest against a locally shared file.
// Unknown files are silently ignored.
func (m *Manager) onChunkRequest(p *peer.Peer, msg protocol.Message) {
	var req protocol.P2PChunkRequest
	if err := protocol.DecodeBody(msg, &req); err != nil {
		m.log.WithError(err).Debug("malformed p2p chunk request")
		return
	}

	sf, ok := m.Get(req.FileHash)
	if !ok {
		return
	}

	for i, index := range req.Indices {
		if int(index) >= sf.chunkCount() {
			continue
		}
		start, end := sf.chunkBounds(index)
		data := make([]byte, end-start)
		if sf.Path != "" {
			if err := readChunkFromDisk(sf.Path, int64(start), data); err != nil {
				m.log.WithError(err).WithField("file_hash", sf.FileHash).Warn("failed to read chunk for serving")
				continue
			}
		}

		sum := sha256.Sum256(data)
		resp := protocol.P2PChunkResponse{
			RequestID:  req.RequestID,
			FileHash:   req.FileHash,
			ChunkIndex: index,
			Data:       data,
			ChunkHash:  hex.EncodeToString(sum[:]),
			HasMore:    i < len(req.Indices)-1,
		}
		if err := m.peers.Send(p, protocol.TagP2PChunkResponse, resp); err != nil {
			m.log.WithError(err).WithField("peer", p.Address.String()).Warn("failed to send chunk response")
			return
		}
	}
}
