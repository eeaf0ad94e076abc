package controlapi

import (
	"errors"
	"net/http"

	"github.com/sparxnet/core/errkind"
)

// httpStatus maps an errkind.Error to the HTTP status a REST caller
// should see; anything uncategorized is a 500.
func httpStatus(err error) int {
	var kerr *errkind.Error
	if !errors.As(err, &kerr) {
		return http.StatusInternalServerError
	}

	switch kerr.Kind {
	case errkind.InvalidAddress, errkind.InvalidSignature, errkind.DecryptionFailed, errkind.ReplayOrStale:
		return http.StatusBadRequest
	case errkind.NotAuthorized, errkind.HandshakeRejected:
		return http.StatusForbidden
	case errkind.PeerNotFound, errkind.FileNotFound, errkind.NoProviders:
		return http.StatusNotFound
	case errkind.HandshakeTimeout, errkind.ChunkTimeout:
		return http.StatusGatewayTimeout
	case errkind.ConnectionLost, errkind.UnknownTransport, errkind.ChunkHashMismatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error body with the status
// httpStatus maps it to.
func (api *Instance) writeError(w http.ResponseWriter, r *http.Request, err error) {
	w.WriteHeader(httpStatus(err))
	api.encodeJSON(w, r, errorResponse{Error: err.Error()})
}

type errorResponse struct {
	Error string `json:"error"`
}
