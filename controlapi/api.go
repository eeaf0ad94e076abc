/*
Package controlapi exposes a node's state and operations over HTTP,
plus a websocket stream for events an embedding GUI or CLI wants to
react to live (chat messages, permission requests, permission results).
It is the boundary between the mesh runtime and anything outside the
process: a desktop client, a mobile bridge, curl.
*/
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/node"
)

// Instance is one running control API bound to a single Node.
type Instance struct {
	log    *logrus.Entry
	n      *node.Node
	Router *mux.Router

	servers []*http.Server

	apiKey uuid.UUID // uuid.Nil disables key authentication
}

// wsUpgrader upgrades every request; the control API is meant to run
// on a loopback or trusted LAN interface, not the open internet.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Start builds the router, registers every route, and begins listening
// on each address in listen. apiKey may be uuid.Nil to disable the
// x-api-key authentication middleware, which is only appropriate when
// listen is bound to loopback.
func Start(log *logrus.Entry, n *node.Node, listen []string, apiKey uuid.UUID) *Instance {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "controlapi")

	api := &Instance{
		log:    log,
		n:      n,
		Router: mux.NewRouter(),
		apiKey: apiKey,
	}

	if apiKey != uuid.Nil {
		api.Router.Use(api.authenticate)
	}

	api.Router.HandleFunc("/status", api.handleStatus).Methods("GET")
	api.Router.HandleFunc("/status/peers", api.handlePeers).Methods("GET")

	api.Router.HandleFunc("/peer/connect", api.handleConnect).Methods("POST")
	api.Router.HandleFunc("/peer/authorize", api.handleAuthorize).Methods("POST")
	api.Router.HandleFunc("/peer/revoke", api.handleRevoke).Methods("POST")
	api.Router.HandleFunc("/peer/permission/respond", api.handlePermissionRespond).Methods("POST")

	api.Router.HandleFunc("/chat/send", api.handleChatSend).Methods("POST")
	api.Router.HandleFunc("/chat/stream", api.handleChatStream).Methods("GET")

	api.Router.HandleFunc("/file/share", api.handleFileShare).Methods("POST")
	api.Router.HandleFunc("/file/unshare", api.handleFileUnshare).Methods("POST")
	api.Router.HandleFunc("/file/list", api.handleFileList).Methods("GET")
	api.Router.HandleFunc("/file/download/start", api.handleDownloadStart).Methods("POST")
	api.Router.HandleFunc("/file/download/status", api.handleDownloadStatus).Methods("GET")
	api.Router.HandleFunc("/file/download/action", api.handleDownloadAction).Methods("POST")

	api.Router.HandleFunc("/vlan/members", api.handleVLanMembers).Methods("GET")

	for _, addr := range listen {
		srv := &http.Server{
			Addr:         addr,
			Handler:      api.Router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // the chat/stream websocket holds the connection open
		}
		api.servers = append(api.servers, srv)
		go api.serve(srv)
	}

	return api
}

func (api *Instance) serve(srv *http.Server) {
	api.log.WithField("listen", srv.Addr).Info("starting control api")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.log.WithError(err).WithField("listen", srv.Addr).Error("control api listener stopped")
	}
}

// Stop shuts down every listener. Pass a context with a deadline to
// bound how long in-flight requests (including open websockets) are
// given to drain.
func (api *Instance) Stop(ctx context.Context) error {
	var firstErr error
	for _, srv := range api.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (api *Instance) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := uuid.Parse(r.Header.Get("x-api-key"))
		if err != nil || key != api.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// encodeJSON writes data as the JSON response body.
func (api *Instance) encodeJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.log.WithError(err).WithField("path", r.URL.Path).Warn("failed to encode response")
	}
}

// decodeJSON reads the request body into out, writing a 400 response
// on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	if r.Body == nil {
		http.Error(w, "missing request body", http.StatusBadRequest)
		return errors.New("controlapi: no request body")
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return err
	}
	return nil
}

