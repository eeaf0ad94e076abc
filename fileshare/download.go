package fileshare

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/protocol"
)

// globalChunkConcurrency bounds in-flight chunk requests across every
// download on this node.
const globalChunkConcurrency = 5

// perFileConcurrency throttles scheduling per download to avoid
// head-of-line blocking on a single slow provider.
const perFileConcurrency = 10

// chunkRequestTimeout is how long a dispatched chunk request waits
// for a matching response before the chunk is dropped back into the
// pending set for rescheduling.
const chunkRequestTimeout = 30 * time.Second

// State is the lifecycle of a Download.
type State int

const (
	StatePending State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Download tracks one in-progress or finished file fetch.
type Download struct {
	FileHash string
	Dest     string

	mu              sync.Mutex
	state           State
	failMessage     string
	file            *SharedFile // known metadata, once resolved by resolveFileMetadata
	completed       []bool
	inFlight        map[uint32]bool
	bytesDownloaded uint64
	sourcePeers     map[identity.Address]bool

	speed speedEstimator

	pauseCh  chan struct{}
	resumeCh chan struct{}
	cancelCh chan struct{}

	fh *os.File
}

// Status is a point-in-time snapshot of a Download, safe to read
// concurrently with the running scheduler.
type Status struct {
	FileHash        string
	State           State
	FailMessage     string
	BytesDownloaded uint64
	TotalSize       uint64
	ChunksCompleted int
	ChunksTotal     int
	SourcePeers     int
	SpeedBps        float64
}

func (d *Download) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total uint64
	var chunksTotal int
	if d.file != nil {
		total = d.file.Size
		chunksTotal = d.file.chunkCount()
	}
	completedCount := 0
	for _, c := range d.completed {
		if c {
			completedCount++
		}
	}
	return Status{
		FileHash:        d.FileHash,
		State:           d.state,
		FailMessage:     d.failMessage,
		BytesDownloaded: d.bytesDownloaded,
		TotalSize:       total,
		ChunksCompleted: completedCount,
		ChunksTotal:     chunksTotal,
		SourcePeers:     len(d.sourcePeers),
		SpeedBps:        d.speed.bps(),
	}
}

type chunkResponse struct {
	fromPeer   identity.Address
	chunkIndex uint32
	data       []byte
	chunkHash  string
}

// speedEstimator is a small sliding-window byte rate tracker.
type speedEstimator struct {
	mu      sync.Mutex
	samples []speedSample
}

type speedSample struct {
	at    time.Time
	bytes uint64
}

const speedWindow = 5 * time.Second

func (s *speedEstimator) add(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.samples = append(s.samples, speedSample{at: now, bytes: n})
	cutoff := now.Add(-speedWindow)
	i := 0
	for ; i < len(s.samples); i++ {
		if s.samples[i].at.After(cutoff) {
			break
		}
	}
	s.samples = s.samples[i:]
}

func (s *speedEstimator) bps() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return 0
	}
	var total uint64
	for _, sample := range s.samples {
		total += sample.bytes
	}
	elapsed := time.Since(s.samples[0].at).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	return float64(total) / elapsed
}

// StartDownload registers a download of fileHash into dest and launches
// the background task, which finds providers by querying connected
// peers, resolves the file's metadata, preallocates dest and fetches
// the chunks. If fileHash is already being tracked, that download is
// returned instead. It returns immediately; use DownloadStatus(fileHash)
// to observe progress.
func (m *Manager) StartDownload(fileHash, dest string) (*Download, error) {
	m.downloadsMu.Lock()
	if existing, ok := m.downloads[fileHash]; ok {
		m.downloadsMu.Unlock()
		return existing, nil
	}
	d := &Download{
		FileHash:    fileHash,
		Dest:        dest,
		state:       StatePending,
		sourcePeers: make(map[identity.Address]bool),
		inFlight:    make(map[uint32]bool),
		pauseCh:     make(chan struct{}, 1),
		resumeCh:    make(chan struct{}, 1),
		cancelCh:    make(chan struct{}),
	}
	m.downloads[fileHash] = d
	m.downloadsMu.Unlock()

	go m.runDownload(d)
	return d, nil
}

// DownloadStatus returns the current status of a tracked download.
func (m *Manager) DownloadStatus(fileHash string) (Status, bool) {
	m.downloadsMu.RLock()
	d, ok := m.downloads[fileHash]
	m.downloadsMu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return d.Status(), true
}

// Pause gates the scheduler's outer loop for an active download.
func (m *Manager) Pause(fileHash string) error {
	d, ok := m.lookupDownload(fileHash)
	if !ok {
		return errkind.Of(errkind.FileNotFound)
	}
	select {
	case d.pauseCh <- struct{}{}:
	default:
	}
	d.mu.Lock()
	d.state = StatePaused
	d.mu.Unlock()
	return nil
}

// Resume releases a paused download's scheduler loop.
func (m *Manager) Resume(fileHash string) error {
	d, ok := m.lookupDownload(fileHash)
	if !ok {
		return errkind.Of(errkind.FileNotFound)
	}
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
	d.mu.Lock()
	if d.state == StatePaused {
		d.state = StateRunning
	}
	d.mu.Unlock()
	return nil
}

// Cancel stops the scheduler, closes and removes the partial file, and
// deletes the download record.
func (m *Manager) Cancel(fileHash string) error {
	d, ok := m.lookupDownload(fileHash)
	if !ok {
		return errkind.Of(errkind.FileNotFound)
	}
	close(d.cancelCh)

	d.mu.Lock()
	d.state = StateCancelled
	if d.fh != nil {
		d.fh.Close()
	}
	dest := d.Dest
	d.mu.Unlock()

	if dest != "" {
		_ = os.Remove(dest)
	}

	m.downloadsMu.Lock()
	delete(m.downloads, fileHash)
	m.downloadsMu.Unlock()
	return nil
}

func (m *Manager) lookupDownload(fileHash string) (*Download, bool) {
	m.downloadsMu.RLock()
	defer m.downloadsMu.RUnlock()
	d, ok := m.downloads[fileHash]
	return d, ok
}

func (m *Manager) fail(d *Download, reason string) {
	d.mu.Lock()
	d.state = StateFailed
	d.failMessage = reason
	d.mu.Unlock()
	m.log.WithField("file_hash", d.FileHash).WithField("reason", reason).Warn("download failed")
}

// runDownload is the background task that drives one download: it
// discovers providers, preallocates the destination, and dispatches
// chunk requests round-robin across source peers until every chunk is
// verified and written.
func (m *Manager) runDownload(d *Download) {
	providers := m.discoverProviders(d)
	if len(providers) == 0 {
		m.fail(d, "no peers")
		return
	}

	file, err := m.resolveFileMetadata(d.FileHash)
	if err != nil {
		m.fail(d, "metadata unavailable: "+err.Error())
		return
	}

	d.mu.Lock()
	d.file = file
	d.completed = make([]bool, file.chunkCount())
	d.state = StateRunning
	d.mu.Unlock()

	fh, err := os.OpenFile(d.Dest, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		m.fail(d, err.Error())
		return
	}
	if err := fh.Truncate(int64(file.Size)); err != nil {
		fh.Close()
		m.fail(d, err.Error())
		return
	}
	d.mu.Lock()
	d.fh = fh
	d.mu.Unlock()

	m.scheduleChunks(d, file, providers)
}

// resolveFileMetadata returns the full chunk layout needed to verify a
// download. A catalog entry alone only carries a name and total size,
// not per-chunk hashes, so any provider known only through a catalog
// response is asked directly for FileMetadataResponse before the
// scheduler can start.
func (m *Manager) resolveFileMetadata(fileHash string) (*SharedFile, error) {
	if sf, ok := m.Get(fileHash); ok {
		return sf, nil
	}

	for _, addr := range m.Providers(fileHash) {
		p, ok := m.peers.Get(addr)
		if !ok {
			continue
		}
		resp, err := m.requestFileMetadata(p, fileHash)
		if err != nil || !resp.Found {
			continue
		}
		return &SharedFile{
			FileHash:    resp.FileHash,
			Name:        resp.Name,
			Size:        resp.Size,
			ChunkSize:   resp.ChunkSize,
			ChunkHashes: resp.ChunkHashes,
		}, nil
	}

	return nil, fmt.Errorf("file %s not found on any known provider", fileHash)
}

// requestFileMetadata sends a FileMetadataRequest to p and blocks for
// its response or a timeout.
func (m *Manager) requestFileMetadata(p *peer.Peer, fileHash string) (protocol.FileMetadataResponse, error) {
	requestID := newRequestID()
	wait := make(chan protocol.FileMetadataResponse, 1)

	m.metadataMu.Lock()
	m.metadataPending[requestID] = wait
	m.metadataMu.Unlock()
	defer func() {
		m.metadataMu.Lock()
		delete(m.metadataPending, requestID)
		m.metadataMu.Unlock()
	}()

	if err := m.peers.Send(p, protocol.TagFileMetadataRequest, protocol.FileMetadataRequest{
		RequestID: requestID,
		FileHash:  fileHash,
	}); err != nil {
		return protocol.FileMetadataResponse{}, err
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-time.After(chunkRequestTimeout):
		return protocol.FileMetadataResponse{}, fmt.Errorf("metadata request to %s timed out", p.Address.String())
	}
}

func (m *Manager) onFileMetadataRequest(p *peer.Peer, msg protocol.Message) {
	var req protocol.FileMetadataRequest
	if err := protocol.DecodeBody(msg, &req); err != nil {
		m.log.WithError(err).Debug("malformed file metadata request")
		return
	}

	resp := protocol.FileMetadataResponse{RequestID: req.RequestID, FileHash: req.FileHash}
	if sf, ok := m.Get(req.FileHash); ok {
		resp.Found = true
		resp.Name = sf.Name
		resp.Size = sf.Size
		resp.ChunkSize = sf.ChunkSize
		resp.ChunkHashes = sf.ChunkHashes
	}

	if err := m.peers.Send(p, protocol.TagFileMetadataResponse, resp); err != nil {
		m.log.WithError(err).Debug("failed to send file metadata response")
	}
}

func (m *Manager) onFileMetadataResponse(p *peer.Peer, msg protocol.Message) {
	var resp protocol.FileMetadataResponse
	if err := protocol.DecodeBody(msg, &resp); err != nil {
		m.log.WithError(err).Debug("malformed file metadata response")
		return
	}

	m.metadataMu.Lock()
	wait, ok := m.metadataPending[resp.RequestID]
	m.metadataMu.Unlock()
	if !ok {
		return
	}

	select {
	case wait <- resp:
	default:
	}
}

// discoverProviders starts with the known providers set, then queries
// every currently connected peer for a catalog scoped to the hash.
func (m *Manager) discoverProviders(d *Download) []identity.Address {
	known := m.Providers(d.FileHash)
	d.mu.Lock()
	for _, addr := range known {
		d.sourcePeers[addr] = true
	}
	d.mu.Unlock()

	for _, p := range m.peers.All() {
		if _, already := d.sourcePeers[p.Address]; already {
			continue
		}
		if err := m.RequestCatalog(p, "", d.FileHash); err != nil {
			continue
		}
	}

	// Give in-flight catalog requests a brief window to resolve before
	// falling back to whatever providers are already known; the peer
	// manager delivers responses asynchronously via onCatalogResponse.
	time.Sleep(500 * time.Millisecond)

	for _, addr := range m.Providers(d.FileHash) {
		d.mu.Lock()
		d.sourcePeers[addr] = true
		d.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]identity.Address, 0, len(d.sourcePeers))
	for addr := range d.sourcePeers {
		out = append(out, addr)
	}
	return out
}

// scheduleChunks is the round-robin chunk dispatcher, bounded by the
// global and per-file semaphores.
func (m *Manager) scheduleChunks(d *Download, file *SharedFile, providers []identity.Address) {
	fileSem := make(chan struct{}, perFileConcurrency)
	var wg sync.WaitGroup
	providerIdx := 0

	nextProvider := func() identity.Address {
		p := providers[providerIdx%len(providers)]
		providerIdx++
		return p
	}

	for {
		select {
		case <-d.cancelCh:
			wg.Wait()
			return
		case <-d.pauseCh:
			select {
			case <-d.resumeCh:
			case <-d.cancelCh:
				wg.Wait()
				return
			}
		default:
		}

		index, done := nextMissingChunk(d)
		if done {
			wg.Wait()
			m.finishDownload(d, file)
			return
		}
		if index < 0 {
			// All remaining indices are currently in flight; wait briefly.
			time.Sleep(50 * time.Millisecond)
			continue
		}

		provider, ok := m.peers.Get(nextProvider())
		if !ok {
			continue
		}

		select {
		case m.globalSem <- struct{}{}:
		case <-d.cancelCh:
			wg.Wait()
			return
		}
		select {
		case fileSem <- struct{}{}:
		case <-d.cancelCh:
			<-m.globalSem
			wg.Wait()
			return
		}

		markInFlight(d, uint32(index), true)
		wg.Add(1)
		go func(idx uint32, p *peer.Peer) {
			defer wg.Done()
			defer func() { <-m.globalSem; <-fileSem }()
			m.requestChunk(d, file, idx, p)
			markInFlight(d, idx, false)
		}(uint32(index), provider)
	}
}

// markInFlight tracks chunk indices currently being requested, so the
// scheduler does not dispatch the same index twice concurrently.
func markInFlight(d *Download, index uint32, set bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set {
		d.inFlight[index] = true
	} else {
		delete(d.inFlight, index)
	}
}

// nextMissingChunk returns the next chunk index that is neither
// completed nor currently in flight, or done=true if every chunk is
// completed, or index=-1 if everything missing is already in flight.
func nextMissingChunk(d *Download) (index int, done bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	allDone := true
	for i, c := range d.completed {
		if !c {
			allDone = false
			if !d.inFlight[uint32(i)] {
				return i, false
			}
		}
	}
	if allDone {
		return 0, true
	}
	return -1, false
}

func (m *Manager) requestChunk(d *Download, file *SharedFile, index uint32, p *peer.Peer) {
	requestID := newRequestID()
	wait := make(chan chunkResponse, 1)

	m.chunkMu.Lock()
	m.chunkPending[requestID] = wait
	m.chunkMu.Unlock()
	defer func() {
		m.chunkMu.Lock()
		delete(m.chunkPending, requestID)
		m.chunkMu.Unlock()
	}()

	if err := m.peers.Send(p, protocol.TagP2PChunkRequest, protocol.P2PChunkRequest{
		RequestID: requestID,
		FileHash:  d.FileHash,
		Indices:   []uint32{index},
	}); err != nil {
		return
	}

	select {
	case resp := <-wait:
		m.applyChunk(d, file, resp)
	case <-time.After(chunkRequestTimeout):
		// dropped; will be re-requested on the next scheduling pass
	case <-d.cancelCh:
	}
}

func (m *Manager) applyChunk(d *Download, file *SharedFile, resp chunkResponse) {
	want := file.ChunkHashes
	if int(resp.chunkIndex) >= len(want) {
		return
	}
	sum := sha256.Sum256(resp.data)
	if hex.EncodeToString(sum[:]) != want[resp.chunkIndex] {
		m.log.WithField("file_hash", d.FileHash).WithField("chunk", resp.chunkIndex).
			Warn("chunk hash mismatch, will re-request from another provider")
		return
	}

	start, _ := file.chunkBounds(resp.chunkIndex)
	d.mu.Lock()
	if d.fh != nil {
		_, _ = d.fh.WriteAt(resp.data, int64(start))
	}
	alreadyDone := d.completed[resp.chunkIndex]
	d.completed[resp.chunkIndex] = true
	d.bytesDownloaded += uint64(len(resp.data))
	d.mu.Unlock()

	if !alreadyDone {
		d.speed.add(uint64(len(resp.data)))
	}
}

func (m *Manager) finishDownload(d *Download, file *SharedFile) {
	d.mu.Lock()
	if d.fh != nil {
		d.fh.Close()
		d.fh = nil
	}
	d.state = StateCompleted
	d.mu.Unlock()

	sf := &SharedFile{
		FileHash:    file.FileHash,
		Path:        d.Dest,
		Name:        file.Name,
		Size:        file.Size,
		ChunkSize:   file.ChunkSize,
		ChunkHashes: file.ChunkHashes,
		SharedAt:    time.Now().Unix(),
	}
	m.mu.Lock()
	m.shares[sf.FileHash] = sf
	m.mu.Unlock()

	if m.shareDir != "" {
		if err := m.persist(sf); err != nil {
			m.log.WithError(err).Warn("failed to persist completed download as share")
		}
	}

	select {
	case m.shared <- sf:
	default:
	}
}

// onChunkResponse delivers an inbound P2PChunkResponse to the
// requestChunk call awaiting that exact request, if still pending.
func (m *Manager) onChunkResponse(p *peer.Peer, msg protocol.Message) {
	var resp protocol.P2PChunkResponse
	if err := protocol.DecodeBody(msg, &resp); err != nil {
		m.log.WithError(err).Debug("malformed chunk response")
		return
	}

	m.chunkMu.Lock()
	wait, ok := m.chunkPending[resp.RequestID]
	m.chunkMu.Unlock()
	if !ok {
		return // timed out, cancelled, or a duplicate response
	}

	select {
	case wait <- chunkResponse{fromPeer: p.Address, chunkIndex: resp.ChunkIndex, data: resp.Data, chunkHash: resp.ChunkHash}:
	default:
	}
}
