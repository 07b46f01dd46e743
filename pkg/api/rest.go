// SPDX-FileCopyrightText: 2023 The PlayHouse Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/playhouse/playhouse-go/pkg/cluster"
	"github.com/playhouse/playhouse-go/pkg/journal"
	"github.com/playhouse/playhouse-go/pkg/packet"
)

// Rest is the operator control surface of an api node: stage creation, node
// directory and debug journal access over HTTP.
type Rest struct {
	service *Service
	center  *cluster.InfoCenter
	journal *journal.Journal

	router     *mux.Router
	httpServer *http.Server
}

// RestCreateStageRequest is the body of POST /v1/stages.
type RestCreateStageRequest struct {
	StageType string `json:"stageType"`
	ServiceId uint16 `json:"serviceId"`
}

// RestCreateStageResponse answers a stage creation.
type RestCreateStageResponse struct {
	StageId  int64  `json:"stageId,omitempty"`
	NodeId   string `json:"nodeId,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewRest creates the REST surface. journal may be nil; its endpoint then
// reports an error.
func NewRest(listenAddress string, service *Service, center *cluster.InfoCenter, debugJournal *journal.Journal) *Rest {
	rest := &Rest{
		service: service,
		center:  center,
		journal: debugJournal,

		router: mux.NewRouter(),
	}

	rest.router.HandleFunc("/v1/ping", rest.handlePing).Methods(http.MethodGet)
	rest.router.HandleFunc("/v1/nodes", rest.handleNodes).Methods(http.MethodGet)
	rest.router.HandleFunc("/v1/journal", rest.handleJournal).Methods(http.MethodGet)
	rest.router.HandleFunc("/v1/stages", rest.handleCreateStage).Methods(http.MethodPost)

	rest.httpServer = &http.Server{
		Addr:    listenAddress,
		Handler: rest.router,
	}

	return rest
}

// ServeHTTP allows mounting the Rest surface into an existing server.
func (rest *Rest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest.router.ServeHTTP(w, r)
}

// Start the HTTP server.
func (rest *Rest) Start() error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- rest.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err

	case <-time.After(100 * time.Millisecond):
		log.WithField("address", rest.httpServer.Addr).Info("REST surface listening")
		return nil
	}
}

// Close the HTTP server.
func (rest *Rest) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return rest.httpServer.Shutdown(ctx)
}

func (rest *Rest) handlePing(w http.ResponseWriter, r *http.Request) {
	rest.writeJson(w, map[string]string{
		"status": "ok",
		"node":   rest.service.nodeId,
	})
}

func (rest *Rest) handleNodes(w http.ResponseWriter, r *http.Request) {
	if rest.center == nil {
		http.Error(w, "no info center configured", http.StatusServiceUnavailable)
		return
	}

	rest.writeJson(w, rest.center.All())
}

func (rest *Rest) handleJournal(w http.ResponseWriter, r *http.Request) {
	if rest.journal == nil {
		http.Error(w, "no debug journal configured", http.StatusServiceUnavailable)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := rest.journal.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rest.writeJson(w, entries)
}

// handleCreateStage picks a play node, allocates a stage id and instantiates
// the stage over the mesh.
func (rest *Rest) handleCreateStage(w http.ResponseWriter, r *http.Request) {
	var (
		request  RestCreateStageRequest
		response RestCreateStageResponse
	)

	if jsonErr := json.NewDecoder(r.Body).Decode(&request); jsonErr != nil {
		response.Error = jsonErr.Error()
		rest.writeJson(w, response)
		return
	}

	ctx := &Sender{service: rest.service}

	info, ok := ctx.PickPlayNode(request.ServiceId, cluster.RoundRobin, "")
	if !ok {
		response.Error = ErrNoCandidate.Error()
		rest.writeJson(w, response)
		return
	}

	stageId := rest.service.NextStageId()
	if code := ctx.CreateStageAwait(info.NodeId, request.StageType, stageId, nil); code != packet.Success {
		response.Error = packet.ErrorName(code)
		rest.writeJson(w, response)
		return
	}

	log.WithFields(log.Fields{
		"stage": stageId,
		"type":  request.StageType,
		"node":  info.NodeId,
	}).Info("REST created stage")

	response.StageId = stageId
	response.NodeId = info.NodeId
	response.Endpoint = info.Endpoint
	rest.writeJson(w, response)
}

func (rest *Rest) writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write REST response")
	}
}
