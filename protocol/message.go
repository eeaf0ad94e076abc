package protocol

import (
	"encoding/json"
	"errors"
)

// Tag identifies the variant of a Message. The wire representation is
// the lower-case string in the "type" JSON field.
type Tag string

const (
	TagHandshake            Tag = "handshake"
	TagHandshakeAck         Tag = "handshake_ack"
	TagPing                 Tag = "ping"
	TagPong                 Tag = "pong"
	TagFindNode             Tag = "find_node"
	TagFindNodeResponse     Tag = "find_node_response"
	TagChat                 Tag = "chat"
	TagFileOffer            Tag = "file_offer"
	TagFileRequest          Tag = "file_request"
	TagFileChunk            Tag = "file_chunk"
	TagVoiceData            Tag = "voice_data"
	TagPermissionRequest    Tag = "permission_request"
	TagPermissionResponse   Tag = "permission_response"
	TagCatalogRequest       Tag = "catalog_request"
	TagCatalogResponse      Tag = "catalog_response"
	TagP2PChunkRequest      Tag = "p2p_chunk_request"
	TagP2PChunkResponse     Tag = "p2p_chunk_response"
	TagFileAvailability     Tag = "file_availability"
	TagFileMetadataRequest  Tag = "file_metadata_request"
	TagFileMetadataResponse Tag = "file_metadata_response"
	TagVLanAnnounce         Tag = "vlan_announce"
	TagVLanPacket           Tag = "vlan_packet"
)

// Envelope fields shared by every message variant.
type Header struct {
	ID            string `json:"id"`
	Timestamp     int64  `json:"timestamp"` // unix ms
	SenderAddress string `json:"sender_address"`
}

// Message is the generic tagged-union wire shape: Header plus a tag
// and a raw body that is unmarshalled according to the tag.
type Message struct {
	Header
	Type Tag             `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode marshals a typed payload into a Message envelope with the
// given tag and header.
func Encode(tag Tag, header Header, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := Message{Header: header, Type: tag, Body: body}
	return json.Marshal(msg)
}

// Decode parses the envelope and returns the tag, header, and raw
// body for tag-specific unmarshalling by the caller.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message missing type tag")
	}
	return msg, nil
}

// DecodeBody unmarshals msg.Body into the tag-specific struct out.
func DecodeBody(msg Message, out interface{}) error {
	return json.Unmarshal(msg.Body, out)
}

// ---- per-tag payload bodies ----

type Handshake struct {
	PublicKey string `json:"public_key"` // hex-encoded Ed25519 public key
}

type HandshakeAck struct {
	Accepted  bool   `json:"accepted"`
	PublicKey string `json:"public_key,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Ping struct {
	Nonce uint32 `json:"nonce"`
}

type Pong struct {
	Nonce     uint32 `json:"nonce"`
	EchoedMs  int64  `json:"echoed_ms"`
}

type FindNode struct {
	Target string `json:"target"` // spx1-encoded address
}

type NodeRecord struct {
	Address  string `json:"address"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	LastSeen int64  `json:"last_seen"`
}

type FindNodeResponse struct {
	Target string       `json:"target"`
	Nodes  []NodeRecord `json:"nodes"`
}

type Chat struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type FileOffer struct {
	FileHash string `json:"file_hash"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
}

type FileRequest struct {
	FileHash string `json:"file_hash"`
}

type FileChunk struct {
	FileHash   string `json:"file_hash"`
	ChunkIndex uint32 `json:"chunk_index"`
	Data       []byte `json:"data"`
}

type VoiceData struct {
	Sequence uint32 `json:"sequence"`
	Data     []byte `json:"data"`
}

type PermissionRequest struct {
	RequestID   string `json:"request_id"`
	Type        string `json:"permission_type"`
	DisplayName string `json:"display_name,omitempty"`
}

type PermissionResponse struct {
	RequestID  string `json:"request_id"`
	Granted    bool   `json:"granted"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type CatalogRequest struct {
	Category string `json:"category,omitempty"`
	Query    string `json:"query,omitempty"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type CatalogFileEntry struct {
	FileHash    string   `json:"file_hash"`
	Name        string   `json:"name"`
	Extension   string   `json:"extension"`
	Size        uint64   `json:"size"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`
}

type CatalogResponse struct {
	PeerName   string             `json:"peer_name,omitempty"`
	TotalFiles int                `json:"total_files"`
	TotalSize  uint64             `json:"total_size"`
	Files      []CatalogFileEntry `json:"files"`
}

type P2PChunkRequest struct {
	RequestID string   `json:"request_id"`
	FileHash  string   `json:"file_hash"`
	Indices   []uint32 `json:"indices"`
}

type P2PChunkResponse struct {
	RequestID  string `json:"request_id"`
	FileHash   string `json:"file_hash"`
	ChunkIndex uint32 `json:"chunk_index"`
	Data       []byte `json:"data"`
	ChunkHash  string `json:"chunk_hash"`
	HasMore    bool   `json:"has_more"`
}

type FileAvailability struct {
	FileHash       string   `json:"file_hash"`
	AvailableIndex []uint32 `json:"available_index"`
}

// FileMetadataRequest asks a provider for the full chunk layout of a
// file known only by its catalog summary, before downloading it.
type FileMetadataRequest struct {
	RequestID string `json:"request_id"`
	FileHash  string `json:"file_hash"`
}

type FileMetadataResponse struct {
	RequestID   string   `json:"request_id"`
	FileHash    string   `json:"file_hash"`
	Name        string   `json:"name"`
	Size        uint64   `json:"size"`
	ChunkSize   uint64   `json:"chunk_size"`
	ChunkHashes []string `json:"chunk_hashes"`
	Found       bool     `json:"found"`
}

type VLanAnnounce struct {
	VirtualIP    string   `json:"virtual_ip"`
	IsJoining    bool     `json:"is_joining"`
	Hostname     string   `json:"hostname,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

const (
	VLanPacketBroadcastRelay = "broadcast_relay"
	VLanPacketUnicast        = "unicast"
)

type VLanPacket struct {
	SourceIP        string `json:"source_ip"`
	DestinationIP   string `json:"destination_ip"`
	Data            []byte `json:"data"`
	PacketType      string `json:"packet_type"`
	SourcePort      int    `json:"source_port"`
	DestinationPort int    `json:"destination_port"`
}
