package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/contactsync/internal/contactsync"
)

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimestamp(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp")
		return
	}
	contacts, tombstones, err := s.engine.ListChanges(r.Context(), r.URL.Query().Get("device_id"), since)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if tombstones == nil {
		tombstones = []contactsync.Tombstone{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": contacts,
		"deleted":  tombstones,
	})
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var in contactsync.ContactInput
	if !s.decodeJSONBody(w, r, &in) {
		return
	}
	contact, err := s.engine.CreateContact(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contact)
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var in contactsync.ContactInput
	if !s.decodeJSONBody(w, r, &in) {
		return
	}
	contact, err := s.engine.UpdateContact(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.engine.DeleteContact(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("device_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            contact.ID,
		"deleted":       true,
		"last_modified": contact.LastModified,
	})
}

// handleCheckDuplicate is a probe, not a lookup: an unknown number answers 200
// with exists=false so client-side forms can distinguish "free" from failure.
func (s *Server) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	contact, err := s.engine.GetContactByPhone(r.Context(), chi.URLParam(r, "number"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"exists": true, "contact": contact})
	case err == contactsync.ErrNotFound:
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
	default:
		s.writeEngineError(w, err)
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.engine.Devices(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleDeltaPull(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimestamp(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp")
		return
	}
	batch := parseBoundedInt(r.URL.Query().Get("batch_size"), 0, 1, s.engine.Config().MaxBatchSize)
	result, err := s.engine.DeltaPull(r.Context(), chi.URLParam(r, "deviceID"), since, batch)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type reconcileRequest struct {
	DeviceID string                `json:"device_id"`
	Contacts []contactsync.Contact `json:"contacts"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !validateBody(w, reconcileSchema, body) {
		return
	}
	var req reconcileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	result, err := s.engine.Reconcile(r.Context(), req.DeviceID, req.Contacts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type ackRequest struct {
	DeviceID     string   `json:"device_id"`
	MessageUUIDs []string `json:"message_uuids"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !validateBody(w, ackSchema, body) {
		return
	}
	var req ackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	acked, err := s.engine.Acknowledge(r.Context(), req.DeviceID, req.MessageUUIDs)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": acked})
}

type reconnectRequest struct {
	DeviceID          string `json:"device_id"`
	LastSeenTimestamp string `json:"last_seen_timestamp"`
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req reconnectRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	lastSeen, err := parseTimestamp(req.LastSeenTimestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid last_seen_timestamp")
		return
	}
	result, err := s.engine.Reconnect(r.Context(), req.DeviceID, lastSeen)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
