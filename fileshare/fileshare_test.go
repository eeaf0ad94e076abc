package fileshare

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/transport/reliableudp"
	"github.com/stretchr/testify/require"
)

func connectedPeers(t *testing.T) (*peer.Manager, *peer.Manager, *peer.Peer, *peer.Peer) {
	t.Helper()

	kpA, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	transA := reliableudp.New(nil)
	require.NoError(t, transA.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transA.Stop() })

	transB := reliableudp.New(nil)
	require.NoError(t, transB.Start(context.Background(), 0))
	t.Cleanup(func() { _ = transB.Stop() })

	mgrA := peer.New(nil, kpA)
	mgrB := peer.New(nil, kpB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connA, err := transA.Connect(ctx, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: transB.LocalPort()})
	require.NoError(t, err)
	require.NoError(t, mgrA.HandleConnection(connA, true))

	var peerBFromA, peerAFromB *peer.Peer
	select {
	case ev := <-transB.Events():
		require.NoError(t, mgrB.HandleConnection(ev.Connection, false))
	case <-time.After(2 * time.Second):
		t.Fatal("B never received inbound connection")
	}

	select {
	case peerBFromA = <-mgrA.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("A never completed handshake")
	}
	select {
	case peerAFromB = <-mgrB.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("B never completed handshake")
	}

	fullPermissions := peer.PermissionContact | peer.PermissionFileTransfer | peer.PermissionVoiceCall
	require.NoError(t, mgrA.Authorize(peerBFromA.Address, fullPermissions))
	require.NoError(t, mgrB.Authorize(peerAFromB.Address, fullPermissions))

	return mgrA, mgrB, peerBFromA, peerAFromB
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestShareFileComputesHashesAndCategory(t *testing.T) {
	m := New(nil, peer.New(nil, mustKeyPair(t)), "")
	path := writeTempFile(t, int(DefaultChunkSize)*2+100)

	sf, err := m.ShareFile(path, "a test archive", "", nil)
	require.NoError(t, err)
	require.Equal(t, 3, sf.chunkCount())
	require.Equal(t, CategoryOther, sf.Category) // .bin is not in the extension table

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), sf.FileHash)

	retrieved, ok := m.Get(sf.FileHash)
	require.True(t, ok)
	require.Equal(t, sf.FileHash, retrieved.FileHash)
}

func TestUnshareRemovesFile(t *testing.T) {
	m := New(nil, peer.New(nil, mustKeyPair(t)), "")
	path := writeTempFile(t, 1024)
	sf, err := m.ShareFile(path, "", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.UnshareFile(sf.FileHash))
	_, ok := m.Get(sf.FileHash)
	require.False(t, ok)

	require.Error(t, m.UnshareFile(sf.FileHash))
}

func TestCatalogRequestResponse(t *testing.T) {
	mgrA, mgrB, _, peerAFromB := connectedPeers(t)

	fsA := New(nil, mgrA, "")
	fsB := New(nil, mgrB, "")

	path := writeTempFile(t, 4096)
	sf, err := fsA.ShareFile(path, "desc", "documents", []string{"tagged"})
	require.NoError(t, err)

	require.NoError(t, fsB.RequestCatalog(peerAFromB, "", ""))

	require.Eventually(t, func() bool {
		view, ok := fsB.Catalog(peerAFromB.Address)
		return ok && view.TotalFiles == 1 && view.Files[0].FileHash == sf.FileHash
	}, 2*time.Second, 20*time.Millisecond)

	providers := fsB.Providers(sf.FileHash)
	require.Len(t, providers, 1)
	require.Equal(t, peerAFromB.Address, providers[0])
}

func TestDownloadCompletesAndSeeds(t *testing.T) {
	mgrA, mgrB, _, peerAFromB := connectedPeers(t)

	fsA := New(nil, mgrA, "")
	fsB := New(nil, mgrB, "")

	path := writeTempFile(t, int(DefaultChunkSize)*2+500)
	sf, err := fsA.ShareFile(path, "", "", nil)
	require.NoError(t, err)

	// B learns the file exists (and who has it) via a catalog round
	// trip; StartDownload then fetches the full chunk-hash metadata
	// from A itself before scheduling any chunk requests.
	require.NoError(t, fsB.RequestCatalog(peerAFromB, "", ""))
	require.Eventually(t, func() bool {
		_, ok := fsB.Catalog(peerAFromB.Address)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	dest := filepath.Join(t.TempDir(), "downloaded.bin")
	_, err = fsB.StartDownload(sf.FileHash, dest)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := fsB.DownloadStatus(sf.FileHash)
		return ok && status.State == StateCompleted
	}, 5*time.Second, 50*time.Millisecond)

	downloaded, err := os.ReadFile(dest)
	require.NoError(t, err)
	sum := sha256.Sum256(downloaded)
	require.Equal(t, sf.FileHash, hex.EncodeToString(sum[:]))

	_, seeded := fsB.Get(sf.FileHash)
	require.True(t, seeded)
}

func TestResolveFileMetadataFetchesChunkHashesFromProvider(t *testing.T) {
	mgrA, mgrB, peerBFromA, peerAFromB := connectedPeers(t)
	_ = peerBFromA

	fsA := New(nil, mgrA, "")
	fsB := New(nil, mgrB, "")

	path := writeTempFile(t, int(DefaultChunkSize)*2+10)
	sf, err := fsA.ShareFile(path, "", "", nil)
	require.NoError(t, err)

	// Seed B's provider index directly, as discoverProviders would,
	// without going through a full catalog round trip.
	fsB.addProvider(sf.FileHash, peerAFromB.Address)

	resolved, err := fsB.resolveFileMetadata(sf.FileHash)
	require.NoError(t, err)
	require.Equal(t, sf.ChunkHashes, resolved.ChunkHashes)
	require.Equal(t, sf.Size, resolved.Size)
}

func mustKeyPair(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}
