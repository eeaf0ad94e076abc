/*
Package fileshare implements the file engine: the local share catalog,
catalog exchange with remote peers, and the multi-peer chunked
download scheduler, layered on top of a peer.Manager for transport.
*/
package fileshare

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/protocol"
)

// DefaultChunkSize is the size of a fragment used for integrity
// hashing and P2P chunk requests.
const DefaultChunkSize = 256 * 1024

// Category buckets a shared file by its extension into a general
// content-type grouping used for search filters.
type Category string

const (
	CategoryImages    Category = "images"
	CategoryAudio     Category = "audio"
	CategoryVideo     Category = "video"
	CategoryDocuments Category = "documents"
	CategoryArchives  Category = "archives"
	CategorySoftware  Category = "software"
	CategoryGames     Category = "games"
	CategoryEbooks    Category = "ebooks"
	CategoryOther     Category = "other"
)

var extensionCategory = map[string]Category{
	".jpg": CategoryImages, ".jpeg": CategoryImages, ".png": CategoryImages,
	".gif": CategoryImages, ".bmp": CategoryImages, ".webp": CategoryImages,
	".mp3": CategoryAudio, ".flac": CategoryAudio, ".wav": CategoryAudio, ".ogg": CategoryAudio,
	".mp4": CategoryVideo, ".mkv": CategoryVideo, ".avi": CategoryVideo, ".mov": CategoryVideo, ".webm": CategoryVideo,
	".pdf": CategoryDocuments, ".doc": CategoryDocuments, ".docx": CategoryDocuments,
	".xls": CategoryDocuments, ".xlsx": CategoryDocuments, ".ppt": CategoryDocuments, ".txt": CategoryDocuments,
	".zip": CategoryArchives, ".rar": CategoryArchives, ".tar": CategoryArchives, ".gz": CategoryArchives, ".7z": CategoryArchives,
	".exe": CategorySoftware, ".msi": CategorySoftware, ".apk": CategorySoftware, ".deb": CategorySoftware,
	".iso": CategoryGames, ".rom": CategoryGames,
	".epub": CategoryEbooks, ".mobi": CategoryEbooks, ".azw3": CategoryEbooks,
}

// categoryFor derives a Category from a file name's extension,
// defaulting to CategoryOther for anything unrecognized.
func categoryFor(name string) Category {
	ext := strings.ToLower(filepath.Ext(name))
	if c, ok := extensionCategory[ext]; ok {
		return c
	}
	return CategoryOther
}

// SharedFile is a single locally shared file and its chunk hashes, the
// unit persisted to a metadata file next to the share index.
type SharedFile struct {
	FileHash    string   `json:"file_hash"`
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Size        uint64   `json:"size"`
	ChunkSize   uint64   `json:"chunk_size"`
	ChunkHashes []string `json:"chunk_hashes"`
	Description string   `json:"description,omitempty"`
	Category    Category `json:"category"`
	Tags        []string `json:"tags,omitempty"`
	SharedAt    int64    `json:"shared_at"`
}

func (f *SharedFile) chunkCount() int {
	return len(f.ChunkHashes)
}

func (f *SharedFile) chunkBounds(index uint32) (start, end uint64) {
	start = uint64(index) * f.ChunkSize
	end = start + f.ChunkSize
	if end > f.Size {
		end = f.Size
	}
	return start, end
}

// Manager owns the local share catalog, known remote catalogs, the
// file_hash -> provider set, and in-flight downloads. It is wired to a
// peer.Manager for both serving and requesting chunks.
type Manager struct {
	log     *logrus.Entry
	peers   *peer.Manager
	shareDir string

	mu     sync.RWMutex
	shares map[string]*SharedFile // file_hash -> share

	catalogMu sync.RWMutex
	catalogs  map[identity.Address]CatalogView // peer -> last known catalog

	providersMu sync.RWMutex
	providers   map[string]map[identity.Address]bool // file_hash -> provider set

	downloadsMu sync.RWMutex
	downloads   map[string]*Download // file_hash -> active/completed download

	metadataMu      sync.Mutex
	metadataPending map[string]chan protocol.FileMetadataResponse // request_id -> waiter

	chunkMu      sync.Mutex
	chunkPending map[string]chan chunkResponse // request_id -> waiter

	globalSem chan struct{} // bounds in-flight chunk requests across all downloads

	shared   chan *SharedFile
	unshared chan string
}

// CatalogView is the requester's local record of a remote peer's
// catalog, populated from a CatalogResponse.
type CatalogView struct {
	PeerName   string
	TotalFiles int
	TotalSize  uint64
	Files      []protocol.CatalogFileEntry
	ReceivedAt time.Time
}

// New creates a file engine bound to the given peer manager. shareDir
// is where per-file metadata JSON is persisted; pass "" to disable
// persistence (used in tests).
func New(log *logrus.Entry, peers *peer.Manager, shareDir string) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		log:       log.WithField("component", "fileshare"),
		peers:     peers,
		shareDir:  shareDir,
		shares:    make(map[string]*SharedFile),
		catalogs:  make(map[identity.Address]CatalogView),
		providers: make(map[string]map[identity.Address]bool),
		downloads:       make(map[string]*Download),
		metadataPending: make(map[string]chan protocol.FileMetadataResponse),
		chunkPending:    make(map[string]chan chunkResponse),
		globalSem:       make(chan struct{}, globalChunkConcurrency),
		shared:          make(chan *SharedFile, 16),
		unshared:        make(chan string, 16),
	}
	peers.RegisterHandler(protocol.TagCatalogRequest, m.onCatalogRequest)
	peers.RegisterHandler(protocol.TagCatalogResponse, m.onCatalogResponse)
	peers.RegisterHandler(protocol.TagP2PChunkRequest, m.onChunkRequest)
	peers.RegisterHandler(protocol.TagP2PChunkResponse, m.onChunkResponse)
	peers.RegisterHandler(protocol.TagFileAvailability, m.onFileAvailability)
	peers.RegisterHandler(protocol.TagFileMetadataRequest, m.onFileMetadataRequest)
	peers.RegisterHandler(protocol.TagFileMetadataResponse, m.onFileMetadataResponse)
	return m
}

// Shared surfaces newly shared files.
func (m *Manager) Shared() <-chan *SharedFile { return m.shared }

// Unshared surfaces file hashes removed from the local catalog.
func (m *Manager) Unshared() <-chan string { return m.unshared }

// ShareFile hashes path in one pass (overall + per-chunk SHA-256),
// derives its category, and adds it to the local share catalog.
func (m *Manager) ShareFile(path, description, category string, tags []string) (*SharedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.New(errkind.FileNotFound, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errkind.New(errkind.FileNotFound, err)
	}

	overall := sha256.New()
	var chunkHashes []string
	buf := make([]byte, DefaultChunkSize)
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			overall.Write(buf[:n])
			chunkSum := sha256.Sum256(buf[:n])
			chunkHashes = append(chunkHashes, hex.EncodeToString(chunkSum[:]))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	cat := Category(category)
	if cat == "" {
		cat = categoryFor(info.Name())
	}

	sf := &SharedFile{
		FileHash:    hex.EncodeToString(overall.Sum(nil)),
		Path:        path,
		Name:        info.Name(),
		Size:        uint64(info.Size()),
		ChunkSize:   DefaultChunkSize,
		ChunkHashes: chunkHashes,
		Description: description,
		Category:    cat,
		Tags:        tags,
		SharedAt:    time.Now().Unix(),
	}

	m.mu.Lock()
	m.shares[sf.FileHash] = sf
	m.mu.Unlock()

	if m.shareDir != "" {
		if err := m.persist(sf); err != nil {
			m.log.WithError(err).Warn("failed to persist share metadata")
		}
	}

	select {
	case m.shared <- sf:
	default:
	}
	return sf, nil
}

// ShareFolder shares every regular file directly under path, and every
// file under subdirectories too when recursive is set.
func (m *Manager) ShareFolder(path string, recursive bool) ([]*SharedFile, error) {
	var out []*SharedFile
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		full := filepath.Join(path, e.Name())
		if e.IsDir() {
			if recursive {
				sub, err := m.ShareFolder(full, true)
				if err != nil {
					return out, err
				}
				out = append(out, sub...)
			}
			continue
		}
		sf, err := m.ShareFile(full, "", "", nil)
		if err != nil {
			m.log.WithError(err).WithField("path", full).Warn("skipping file during folder share")
			continue
		}
		out = append(out, sf)
	}
	return out, nil
}

// UnshareFile removes fileHash from the local catalog and deletes its
// metadata file, if persisted.
func (m *Manager) UnshareFile(fileHash string) error {
	m.mu.Lock()
	_, ok := m.shares[fileHash]
	delete(m.shares, fileHash)
	m.mu.Unlock()

	if !ok {
		return errkind.Of(errkind.FileNotFound)
	}

	if m.shareDir != "" {
		_ = os.Remove(filepath.Join(m.shareDir, fileHash+".json"))
	}

	select {
	case m.unshared <- fileHash:
	default:
	}
	return nil
}

func (m *Manager) persist(sf *SharedFile) error {
	if err := os.MkdirAll(m.shareDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.shareDir, sf.FileHash+".json"), data, 0o644)
}

// Get returns a local share by hash.
func (m *Manager) Get(fileHash string) (*SharedFile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sf, ok := m.shares[fileHash]
	return sf, ok
}

// List returns a snapshot of every locally shared file.
func (m *Manager) List() []*SharedFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SharedFile, 0, len(m.shares))
	for _, sf := range m.shares {
		out = append(out, sf)
	}
	return out
}

func readChunkFromDisk(path string, offset int64, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func newRequestID() string {
	return uuid.NewString()
}

func matchesQuery(sf *SharedFile, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(sf.Name), q) || strings.Contains(strings.ToLower(sf.FileHash), q) ||
		strings.Contains(strings.ToLower(sf.Description), q) {
		return true
	}
	for _, tag := range sf.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func (m *Manager) filterShares(category, query string, page, pageSize int) (matched []*SharedFile, total int, totalSize uint64) {
	all := m.List()
	for _, sf := range all {
		if category != "" && string(sf.Category) != category {
			continue
		}
		if !matchesQuery(sf, query) {
			continue
		}
		matched = append(matched, sf)
		total++
		totalSize += sf.Size
	}

	if pageSize <= 0 {
		pageSize = len(matched)
	}
	start := page * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, totalSize
}
