package controlapi

import (
	"net/http"
	"strconv"

	"github.com/sparxnet/core/fileshare"
)

type shareFileRequest struct {
	Path        string   `json:"path"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

/*
handleFileShare adds a local file to the share catalog.
Request:  POST /file/share with shareFileRequest
Response: 200 with fileInfo
*/
func (api *Instance) handleFileShare(w http.ResponseWriter, r *http.Request) {
	var req shareFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	sf, err := api.n.Files().ShareFile(req.Path, req.Description, req.Category, req.Tags)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.encodeJSON(w, r, fileInfoOf(sf))
}

type unshareFileRequest struct {
	FileHash string `json:"file_hash"`
}

/*
handleFileUnshare removes a file from the share catalog.
Request:  POST /file/unshare with unshareFileRequest
Response: 204 on success
*/
func (api *Instance) handleFileUnshare(w http.ResponseWriter, r *http.Request) {
	var req unshareFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := api.n.Files().UnshareFile(req.FileHash); err != nil {
		api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileInfo struct {
	FileHash    string   `json:"file_hash"`
	Name        string   `json:"name"`
	Size        uint64   `json:"size"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`
	SharedAt    int64    `json:"shared_at"`
}

func fileInfoOf(sf *fileshare.SharedFile) fileInfo {
	return fileInfo{
		FileHash:    sf.FileHash,
		Name:        sf.Name,
		Size:        sf.Size,
		Description: sf.Description,
		Category:    string(sf.Category),
		Tags:        sf.Tags,
		SharedAt:    sf.SharedAt,
	}
}

/*
handleFileList lists the local share catalog.
Request:  GET /file/list
Response: 200 with []fileInfo
*/
func (api *Instance) handleFileList(w http.ResponseWriter, r *http.Request) {
	shares := api.n.Files().List()
	out := make([]fileInfo, 0, len(shares))
	for _, sf := range shares {
		out = append(out, fileInfoOf(sf))
	}
	api.encodeJSON(w, r, out)
}

type downloadStartRequest struct {
	FileHash string `json:"file_hash"`
	Dest     string `json:"dest"`
}

/*
handleDownloadStart starts (or returns the existing) multi-peer
download for a file hash.
Request:  POST /file/download/start with downloadStartRequest
Response: 200 with downloadStatus
*/
func (api *Instance) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	var req downloadStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	d, err := api.n.Files().StartDownload(req.FileHash, req.Dest)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	api.encodeJSON(w, r, downloadStatusOf(d.Status()))
}

type downloadStatus struct {
	FileHash        string  `json:"file_hash"`
	State           string  `json:"state"`
	FailMessage     string  `json:"fail_message,omitempty"`
	BytesDownloaded uint64  `json:"bytes_downloaded"`
	TotalSize       uint64  `json:"total_size"`
	ChunksCompleted int     `json:"chunks_completed"`
	ChunksTotal     int     `json:"chunks_total"`
	SourcePeers     int     `json:"source_peers"`
	SpeedBps        float64 `json:"speed_bps"`
}

func downloadStatusOf(s fileshare.Status) downloadStatus {
	return downloadStatus{
		FileHash:        s.FileHash,
		State:           s.State.String(),
		FailMessage:     s.FailMessage,
		BytesDownloaded: s.BytesDownloaded,
		TotalSize:       s.TotalSize,
		ChunksCompleted: s.ChunksCompleted,
		ChunksTotal:     s.ChunksTotal,
		SourcePeers:     s.SourcePeers,
		SpeedBps:        s.SpeedBps,
	}
}

/*
handleDownloadStatus reports the current progress of a tracked download.
Request:  GET /file/download/status?file_hash=...
Response: 200 with downloadStatus
*/
func (api *Instance) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	fileHash := r.URL.Query().Get("file_hash")
	status, ok := api.n.Files().DownloadStatus(fileHash)
	if !ok {
		http.Error(w, "no such download", http.StatusNotFound)
		return
	}
	api.encodeJSON(w, r, downloadStatusOf(status))
}

type downloadActionRequest struct {
	FileHash string `json:"file_hash"`
	Action   string `json:"action"` // "pause", "resume", "cancel"
}

/*
handleDownloadAction pauses, resumes, or cancels a tracked download.
Request:  POST /file/download/action with downloadActionRequest
Response: 204 on success
*/
func (api *Instance) handleDownloadAction(w http.ResponseWriter, r *http.Request) {
	var req downloadActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	var err error
	switch req.Action {
	case "pause":
		err = api.n.Files().Pause(req.FileHash)
	case "resume":
		err = api.n.Files().Resume(req.FileHash)
	case "cancel":
		err = api.n.Files().Cancel(req.FileHash)
	default:
		http.Error(w, "unknown action "+strconv.Quote(req.Action), http.StatusBadRequest)
		return
	}
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
