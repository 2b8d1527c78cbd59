package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/StarZeus/mailrelay/consts"
	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
)

// Request/Response types

type RenderTemplateRequest struct {
	Template     string                 `json:"template"`
	TemplateType string                 `json:"templateType"`
	Data         map[string]interface{} `json:"data"`
}

type ruleResponse struct {
	ID             int64            `json:"id"`
	Name           string           `json:"name"`
	FromPattern    *string          `json:"from_pattern"`
	ToPattern      *string          `json:"to_pattern"`
	SubjectPattern *string          `json:"subject_pattern"`
	Operator       db.RuleOperator  `json:"operator"`
	Enabled        bool             `json:"enabled"`
	Priority       int              `json:"priority"`
	Actions        []actionResponse `json:"actions"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type actionResponse struct {
	ID     int64                  `json:"id"`
	Type   db.ActionKind          `json:"type"`
	Config map[string]interface{} `json:"config"`
	Order  int                    `json:"order"`
}

type messageResponse struct {
	ID          string               `json:"id"`
	FromEmail   string               `json:"from_email"`
	ToEmail     string               `json:"to_email"`
	Subject     string               `json:"subject"`
	Body        string               `json:"body"`
	ContentHash string               `json:"content_hash"`
	SentDate    time.Time            `json:"sent_date"`
	ReceivedAt  time.Time            `json:"received_at"`
	Attachments []attachmentResponse `json:"attachments"`
}

// attachmentResponse is metadata only; attachment bytes never leave the
// database through the API.
type attachmentResponse struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type outcomeResponse struct {
	ID        string           `json:"id"`
	MessageID string           `json:"message_id"`
	RuleID    int64            `json:"rule_id"`
	ActionID  int64            `json:"action_id"`
	Status    db.OutcomeStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Handler functions

func (s *Server) handleRenderTemplate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req RenderTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Template == "" {
		s.writeError(w, http.StatusBadRequest, "Template is required")
		return
	}

	html, err := s.engine.RenderHTML(req.Template, req.TemplateType, req.Data)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "Template rendering failed",
			"details": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"html": html})
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		s.writeError(w, http.StatusBadRequest, "message_id query parameter is required")
		return
	}

	outcomes, err := s.store.ListOutcomesByMessage(r.Context(), messageID)
	if err != nil {
		logger.Error("HTTP API: failed to list outcomes", "message_id", messageID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list outcomes")
		return
	}

	resp := make([]outcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		resp = append(resp, outcomeResponse{
			ID:        o.ID,
			MessageID: o.MessageID,
			RuleID:    o.RuleID,
			ActionID:  o.ActionID,
			Status:    o.Status,
			Error:     o.Error,
			CreatedAt: o.CreatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message_id": messageID,
		"outcomes":   resp,
		"count":      len(resp),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		logger.Error("HTTP API: failed to list rules", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, ruleToResponse(rule))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": resp,
		"count": len(resp),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := strconv.ParseInt(mux.Vars(r)["rule_id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}

	rule, err := s.store.GetRule(r.Context(), ruleID)
	if err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to load rule", "rule_id", ruleID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}

	s.writeJSON(w, http.StatusOK, ruleToResponse(rule))
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["message_id"]

	msg, err := s.store.GetMessage(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			s.writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		logger.Error("HTTP API: failed to load message", "message_id", messageID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load message")
		return
	}

	resp := messageResponse{
		ID:          msg.ID,
		FromEmail:   msg.FromEmail,
		ToEmail:     msg.ToEmail,
		Subject:     msg.Subject,
		Body:        msg.Body,
		ContentHash: msg.ContentHash,
		SentDate:    msg.SentDate,
		ReceivedAt:  msg.ReceivedAt,
		Attachments: []attachmentResponse{},
	}
	for _, att := range msg.Attachments {
		resp.Attachments = append(resp.Attachments, attachmentResponse{
			ID:          att.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func ruleToResponse(rule *db.FilterRule) ruleResponse {
	rr := ruleResponse{
		ID:             rule.ID,
		Name:           rule.Name,
		FromPattern:    rule.FromPattern,
		ToPattern:      rule.ToPattern,
		SubjectPattern: rule.SubjectPattern,
		Operator:       rule.Operator,
		Enabled:        rule.Enabled,
		Priority:       rule.Priority,
		Actions:        []actionResponse{},
		CreatedAt:      rule.CreatedAt,
		UpdatedAt:      rule.UpdatedAt,
	}
	for _, action := range rule.Actions {
		rr.Actions = append(rr.Actions, actionResponse{
			ID:     action.ID,
			Type:   action.Type,
			Config: action.Config,
			Order:  action.Order,
		})
	}
	return rr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Utility functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
