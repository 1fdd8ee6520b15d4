// Package httpapi is the thin HTTP front-end: it unmarshals a request,
// calls into the channel map, and marshals the result. All channel
// storage logic lives in internal/channel and internal/channelmap; this
// package only translates.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chanbroker/internal/brokererr"
	"chanbroker/internal/channelmap"
)

// Server is the HTTP front-end around a ChannelMap.
type Server struct {
	router           *mux.Router
	channels         *channelmap.ChannelMap
	log              *zap.Logger
	defaultBatchSize int
}

// NewServer builds the router and binds it to the given channel map.
func NewServer(channels *channelmap.ChannelMap, log *zap.Logger, defaultBatchSize int) *Server {
	s := &Server{
		channels:         channels,
		log:              log,
		defaultBatchSize: defaultBatchSize,
	}

	r := mux.NewRouter()
	r.HandleFunc("/channel/{id}", s.handleProduce).Methods(http.MethodPost)
	r.HandleFunc("/channel/{id}", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/channel/{id}/commit", s.handleCommit).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ProduceRequest is the produce endpoint's JSON body; Message is
// base64-encoded by encoding/json's standard []byte handling.
type ProduceRequest struct {
	Message []byte `json:"message"`
}

type ProduceResponse struct {
	Offset uint64 `json:"offset"`
}

type fetchedMessage struct {
	Offset uint64 `json:"offset"`
	Data   []byte `json:"data"`
}

type FetchResponse struct {
	Messages []fetchedMessage `json:"messages"`
}

type CommitResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	create := r.URL.Query().Get("create") == "true"

	var req ProduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ch, err := s.channels.FindChannel(id, create)
	if err != nil {
		s.writeChannelErr(w, err)
		return
	}

	offset, err := ch.Append(req.Message)
	if err != nil {
		s.writeChannelErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ProduceResponse{Offset: offset})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ch, err := s.channels.FindChannel(id, false)
	if err != nil {
		s.writeChannelErr(w, err)
		return
	}

	startOffset := uint64(0)
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		startOffset = parsed
	}

	batchSize := s.defaultBatchSize
	if v := r.URL.Query().Get("batch"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		batchSize = parsed
	}

	msgs, err := ch.Fetch(startOffset, batchSize)
	if err != nil {
		s.writeChannelErr(w, err)
		return
	}

	resp := FetchResponse{Messages: make([]fetchedMessage, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, fetchedMessage{Offset: m.Offset, Data: m.Data})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ch, err := s.channels.FindChannel(id, false)
	if err != nil {
		s.writeChannelErr(w, err)
		return
	}

	if err := ch.Commit(); err != nil {
		s.writeChannelErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommitResponse{OK: true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeChannelErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, channelmap.ErrChannelNotFound):
		status = http.StatusNotFound
	case brokererr.Is(err, brokererr.EARG):
		status = http.StatusBadRequest
	case brokererr.Is(err, brokererr.ECORRUPT), brokererr.Is(err, brokererr.EIO):
		status = http.StatusInternalServerError
	}

	if s.log != nil && status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
