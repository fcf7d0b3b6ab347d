// Package attest exposes the attestation service over JSON HTTP endpoints.
package attest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/countersign-io/countersign/internal/attest/session"
	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
	attestsvc "github.com/countersign-io/countersign/internal/services/attest"
)

// maxRequestBytes caps JSON request bodies, documents included.
const maxRequestBytes = 16 << 20

// Server handles attestation HTTP requests.
type Server struct {
	service *attestsvc.Service
}

// NewServer wires the HTTP boundary to the attestation service.
func NewServer(service *attestsvc.Service) (*Server, error) {
	if service == nil {
		return nil, errors.New("attest service is required")
	}
	return &Server{service: service}, nil
}

// RegisterRoutes registers attestation endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) error {
	if mux == nil {
		return errors.New("mux is required")
	}
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{sessionID}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{sessionID}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/sessions/{sessionID}/expire", s.handleExpire)
	mux.HandleFunc("GET /v1/records/{recordID}", s.handleGetRecord)
	mux.HandleFunc("POST /v1/verify", s.handleVerify)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return nil
}

type createSessionRequest struct {
	// Document carries the content under review, base64-encoded.
	Document     string `json:"document"`
	DocumentName string `json:"document_name"`
	DocumentPath string `json:"document_path"`
	IntentText   string `json:"intent_text"`
	// TTLSeconds overrides the default session lifetime when positive.
	TTLSeconds int64 `json:"ttl_seconds"`
}

type sessionResponse struct {
	ID             string `json:"id"`
	Token          string `json:"token,omitempty"`
	DocumentDigest string `json:"document_digest"`
	DocumentName   string `json:"document_name,omitempty"`
	IntentText     string `json:"intent_text"`
	IntentDigest   string `json:"intent_digest"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at"`
	ApprovedAt     string `json:"approved_at,omitempty"`
	RecordID       string `json:"record_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	document, err := base64.StdEncoding.DecodeString(req.Document)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "document must be base64 encoded")
		return
	}
	if len(document) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "document is required")
		return
	}

	sess, err := s.service.CreateSession(r.Context(), attestsvc.CreateSessionInput{
		Document:     document,
		DocumentName: req.DocumentName,
		DocumentPath: req.DocumentPath,
		IntentText:   req.IntentText,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// The token is returned once, at creation; reads never include it.
	writeJSON(w, http.StatusCreated, toSessionResponse(sess, true))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionID"))
	sess, err := s.service.GetSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess, false))
}

type approveRequest struct {
	Token         string `json:"token"`
	Grant         string `json:"grant,omitempty"`
	ApproverRef   string `json:"approver_ref"`
	ApproverLabel string `json:"approver_label"`
	Assisted      bool   `json:"assisted"`

	PresenceID          string `json:"presence_id,omitempty"`
	ChallengeCompleted  bool   `json:"challenge_completed"`
	AckReviewedDocument bool   `json:"ack_reviewed_document"`
	AckIntendsApproval  bool   `json:"ack_intends_approval"`
	AckActingPersonally bool   `json:"ack_acting_personally"`
}

type approveResponse struct {
	Session sessionResponse `json:"session"`
	// Record is the signed attestation record in its wire encoding.
	Record     json.RawMessage `json:"record"`
	PresenceID string          `json:"presence_id"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := s.service.Approve(r.Context(), attestsvc.ApproveInput{
		SessionID:           strings.TrimSpace(r.PathValue("sessionID")),
		Token:               req.Token,
		Grant:               req.Grant,
		ApproverRef:         req.ApproverRef,
		ApproverLabel:       req.ApproverLabel,
		Assisted:            req.Assisted,
		PresenceID:          req.PresenceID,
		ChallengeCompleted:  req.ChallengeCompleted,
		AckReviewedDocument: req.AckReviewedDocument,
		AckIntendsApproval:  req.AckIntendsApproval,
		AckActingPersonally: req.AckActingPersonally,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{
		Session:    toSessionResponse(result.Session, false),
		Record:     json.RawMessage(result.Encoded),
		PresenceID: result.Presence.ID,
	})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionID"))
	sess, err := s.service.ExpireSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess, false))
}

type recordResponse struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	DocumentDigest string          `json:"document_digest"`
	ApproverRef    string          `json:"approver_ref"`
	Record         json.RawMessage `json:"record"`
	CreatedAt      string          `json:"created_at"`
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID := strings.TrimSpace(r.PathValue("recordID"))
	stored, err := s.service.GetRecord(r.Context(), recordID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{
		ID:             stored.ID,
		SessionID:      stored.SessionID,
		DocumentDigest: stored.DocumentDigest,
		ApproverRef:    stored.ApproverRef,
		Record:         json.RawMessage(stored.Encoded),
		CreatedAt:      stored.CreatedAt.Format(time.RFC3339),
	})
}

type verifyRequest struct {
	// Document carries the content to check, base64-encoded.
	Document string `json:"document"`
	// RecordID selects a stored record; Record supplies one inline. Exactly
	// one must be set.
	RecordID string          `json:"record_id,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
}

type verifyResponse struct {
	Valid             bool   `json:"valid"`
	Reason            string `json:"reason,omitempty"`
	DocumentIntegrity string `json:"document_integrity"`
	ComputedDigest    string `json:"computed_digest,omitempty"`
	ExpectedDigest    string `json:"expected_digest,omitempty"`
	ApproverRef       string `json:"approver_ref,omitempty"`
	ApproverLabel     string `json:"approver_label,omitempty"`
	EventTime         int64  `json:"event_time,omitempty"`
	Assisted          bool   `json:"assisted,omitempty"`
	PresenceKnown     bool   `json:"presence_known"`
	PresenceMatches   bool   `json:"presence_matches"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	document, err := base64.StdEncoding.DecodeString(req.Document)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "document must be base64 encoded")
		return
	}

	var result attestsvc.VerifyResult
	switch {
	case req.RecordID != "" && len(req.Record) > 0:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "record_id and record are mutually exclusive")
		return
	case req.RecordID != "":
		result, err = s.service.VerifyRecord(r.Context(), document, req.RecordID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	case len(req.Record) > 0:
		result = s.service.VerifyEncoded(r.Context(), document, req.Record)
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "record_id or record is required")
		return
	}

	outcome := result.Outcome
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:             outcome.Valid,
		Reason:            string(outcome.Reason),
		DocumentIntegrity: string(outcome.DocumentIntegrity),
		ComputedDigest:    outcome.ComputedDigest,
		ExpectedDigest:    outcome.ExpectedDigest,
		ApproverRef:       outcome.ApproverRef,
		ApproverLabel:     outcome.ApproverLabel,
		EventTime:         outcome.EventTime,
		Assisted:          outcome.Assisted,
		PresenceKnown:     result.PresenceKnown,
		PresenceMatches:   result.PresenceMatches,
	})
}

func toSessionResponse(sess session.Session, includeToken bool) sessionResponse {
	resp := sessionResponse{
		ID:             sess.ID,
		DocumentDigest: sess.DocumentDigest,
		DocumentName:   sess.DocumentName,
		IntentText:     sess.IntentText,
		IntentDigest:   sess.IntentDigest,
		Status:         session.StatusLabel(sess.Status),
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339),
		ExpiresAt:      sess.ExpiresAt.Format(time.RFC3339),
		RecordID:       sess.RecordID,
	}
	if includeToken {
		resp.Token = sess.Token
	}
	if sess.ApprovedAt != nil {
		resp.ApprovedAt = sess.ApprovedAt.Format(time.RFC3339)
	}
	return resp
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return false
	}
	return true
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// writeServiceError maps domain errors to HTTP statuses and reason codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		writeJSONError(w, appErr.Code.HTTPStatus(), strings.ToLower(string(appErr.Code)), appErr.Message)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
