// Package api provides HTTP handlers for FlowPilot endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPilot/internal/ingest"
	"github.com/BTreeMap/FlowPilot/internal/models"
)

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		s.verifyWebhook(w, r)
	case http.MethodPost:
		s.receiveWebhook(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifyWebhook answers the provider's subscription handshake: echo
// hub.challenge when the verify token matches.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token != s.verifyToken || s.verifyToken == "" {
		slog.Warn("Server.verifyWebhook: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyWebhook: subscription verified")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, challenge); err != nil {
		slog.Error("Server.verifyWebhook: failed to write challenge", "error", err)
	}
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("Server.receiveWebhook: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	if !ingest.ValidSignature(s.webhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("Server.receiveWebhook: signature validation failed")
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("Server.receiveWebhook: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if err := s.ingestor.Handle(r.Context(), &payload); err != nil {
		if errors.Is(err, models.ErrInvalidPayload) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed webhook payload"))
			return
		}
		slog.Error("Server.receiveWebhook: ingestion failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := strings.TrimPrefix(r.URL.Path, "/flows/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.saveFlow(w, r, id)
	case http.MethodGet:
		s.getFlow(w, id)
	default:
		w.Header().Set("Allow", "GET, PUT")
		slog.Warn("Server.flowsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// saveFlow validates and upserts a flow definition. Invalid graphs are
// rejected here so runtime execution never sees them.
func (s *Server) saveFlow(w http.ResponseWriter, r *http.Request, id string) {
	var flow models.Flow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.saveFlow: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	flow.ID = id

	if err := models.ValidateFlow(&flow); err != nil {
		slog.Warn("Server.saveFlow: validation failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.store.SaveFlow(flow); err != nil {
		slog.Error("Server.saveFlow: failed to save flow", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.saveFlow: flow saved", "flowID", id, "nodes", len(flow.Nodes), "active", flow.Active)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow saved", map[string]string{"id": id}))
}

func (s *Server) getFlow(w http.ResponseWriter, id string) {
	flow, err := s.store.GetFlow(id)
	if err != nil {
		slog.Error("Server.getFlow: lookup failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return
	}
	if flow == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flow))
}

// processEntryRequest is the body of an internal replay request.
type processEntryRequest struct {
	EntryID string `json:"entry_id"`
}

func (s *Server) processEntryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.internalAPIKey == "" || r.Header.Get("X-Internal-API-Key") != s.internalAPIKey {
		slog.Warn("Server.processEntryHandler: unauthorized request")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}

	var req processEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntryID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: entry_id"))
		return
	}

	if err := s.processor.ProcessEntry(r.Context(), req.EntryID); err != nil {
		if errors.Is(err, models.ErrEntryNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Entry not found"))
			return
		}
		slog.Error("Server.processEntryHandler: replay failed", "error", err, "entryID", req.EntryID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Entry processed", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
