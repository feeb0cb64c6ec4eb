package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/filters"
	"github.com/italypaleale/courier/sender"
)

type sendRequest struct {
	// Body is nil only when the field is absent or null
	Body any `json:"body" msgpack:"body"`
}

// payload returns the bytes to deliver.
// Strings and binary values are sent as-is, while any other value is sent as its JSON encoding.
func (req sendRequest) payload() ([]byte, error) {
	switch v := req.Body.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

type filterRequest struct {
	Pattern string `json:"pattern" msgpack:"pattern"`
}

type statsResponse struct {
	QueueSize     int `json:"queueSize" msgpack:"queueSize"`
	QueueCapacity int `json:"queueCapacity" msgpack:"queueCapacity"`
	Filters       int `json:"filters" msgpack:"filters"`
}

// Empty object, used as response body
type emptyResponse struct{}

// Handler for POST /send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !readRequestBody(w, r, &req) {
		return
	}
	if req.Body == nil {
		errApiSendBodyMissing.WriteResponse(w, r)
		return
	}

	body, err := req.payload()
	if err != nil {
		errApiReqBody.Clone(withInnerError(err)).WriteResponse(w, r)
		return
	}

	f, ok := s.filters.Match(body)
	if ok {
		errApiReqBody.
			Clone(withMessagef("forbidden by filter id=%d", f.ID)).
			WriteResponse(w, r)
		return
	}

	err = s.sender.Accept(body)
	switch {
	case errors.Is(err, sender.ErrQueueFull):
		errApiQueueFull.WriteResponse(w, r)
		return
	case err != nil:
		s.log.ErrorContext(r.Context(), "Failed to accept message", slog.Any("error", err))
		errApiInternal.WriteResponse(w, r)
		return
	}

	s.respond(w, r, http.StatusAccepted, emptyResponse{})
}

// Handler for GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, statsResponse{
		QueueSize:     s.sender.Len(),
		QueueCapacity: s.sender.Capacity(),
		Filters:       s.filters.Len(),
	})
}

// Handler for GET /filters
func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.filters.List())
}

// Handler for POST /filters
func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if !readRequestBody(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		errApiFilterPatternMissing.WriteResponse(w, r)
		return
	}

	f, err := s.filters.Add(req.Pattern)
	if err != nil {
		errApiFilterPatternInvalid.Clone(withMessagef("%s", err.Error())).WriteResponse(w, r)
		return
	}

	s.log.InfoContext(r.Context(), "Added filter", slog.Int64("id", f.ID), slog.String("pattern", f.Pattern))
	s.respond(w, r, http.StatusOK, f)
}

// Handler for GET /filters/{id}
func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	id, ok := filterID(r)
	if !ok {
		errApiNotFound.Clone(withMessagef("no filter with id=%s", r.PathValue("id"))).WriteResponse(w, r)
		return
	}

	f, err := s.filters.Get(id)
	if errors.Is(err, filters.ErrNotFound) {
		errApiNotFound.Clone(withMessagef("no filter with id=%d", id)).WriteResponse(w, r)
		return
	}

	s.respond(w, r, http.StatusOK, f)
}

// Handler for DELETE /filters/{id}
func (s *Server) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	id, ok := filterID(r)
	if !ok {
		errApiNotFound.Clone(withMessagef("no filter with id=%s", r.PathValue("id"))).WriteResponse(w, r)
		return
	}

	f, err := s.filters.Delete(id)
	if errors.Is(err, filters.ErrNotFound) {
		errApiNotFound.Clone(withMessagef("no filter with id=%d", id)).WriteResponse(w, r)
		return
	}

	s.log.InfoContext(r.Context(), "Removed filter", slog.Int64("id", f.ID), slog.String("pattern", f.Pattern))
	w.WriteHeader(http.StatusNoContent)
}

func filterID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Handler for GET /deadletters
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetter == nil {
		errApiDeadLetterDisabled.WriteResponse(w, r)
		return
	}

	var opts deadletter.ListOpts
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			errApiDeadLetterLimit.WriteResponse(w, r)
			return
		}
		opts.Limit = limit
	}

	list, err := s.deadLetter.List(r.Context(), opts)
	if err != nil {
		s.deadLetterStoreError(w, r, err)
		return
	}

	s.respond(w, r, http.StatusOK, list)
}

// Handler for GET /deadletters/{id}
func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.deadLetter == nil {
		errApiDeadLetterDisabled.WriteResponse(w, r)
		return
	}

	id := r.PathValue("id")
	entry, err := s.deadLetter.Get(r.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		errApiNotFound.Clone(withMessagef("no dead-letter entry with id=%s", id)).WriteResponse(w, r)
		return
	case err != nil:
		s.deadLetterStoreError(w, r, err)
		return
	}

	s.respond(w, r, http.StatusOK, entry)
}

// Handler for DELETE /deadletters/{id}
func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.deadLetter == nil {
		errApiDeadLetterDisabled.WriteResponse(w, r)
		return
	}

	id := r.PathValue("id")
	err := s.deadLetter.Delete(r.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		errApiNotFound.Clone(withMessagef("no dead-letter entry with id=%s", id)).WriteResponse(w, r)
		return
	case err != nil:
		s.deadLetterStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Handler for POST /deadletters/{id}/replay
// The message is admitted again as a new message, and the entry is removed only if it was accepted.
func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.deadLetter == nil {
		errApiDeadLetterDisabled.WriteResponse(w, r)
		return
	}

	id := r.PathValue("id")
	err := s.deadLetter.Take(r.Context(), id, func(entry *deadletter.Entry) error {
		return s.sender.Accept(entry.Body)
	})
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		errApiNotFound.Clone(withMessagef("no dead-letter entry with id=%s", id)).WriteResponse(w, r)
		return
	case errors.Is(err, sender.ErrQueueFull):
		errApiQueueFull.WriteResponse(w, r)
		return
	case err != nil:
		s.deadLetterStoreError(w, r, err)
		return
	}

	s.log.InfoContext(r.Context(), "Replayed dead-lettered message", slog.String("entryId", id))
	s.respond(w, r, http.StatusAccepted, emptyResponse{})
}

func (s *Server) deadLetterStoreError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.ErrorContext(r.Context(), "Dead-letter store error", slog.Any("error", err))
	errApiDeadLetterStoreFailed.WriteResponse(w, r)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	err := writeResponse(w, r, status, v)
	if err != nil {
		// At this point all we can do is log the error
		s.log.ErrorContext(r.Context(), "Error writing response body", slog.Any("error", err))
	}
}
