package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// CreateConversationRequest is the body of POST /sessions/{id}/conversations.
type CreateConversationRequest struct {
	Name string `json:"name,omitempty"`
}

// SendMessageRequest is the body of the message endpoints.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// health reports liveness.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listSessions returns the caller's sessions, reconnecting any that should
// be live.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.registry.ListSessions(r.Context(), getOwner(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// createSession creates a session and starts pairing.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.CreateSession(r.Context(), getOwner(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// getSession returns one session, including its QR payload while pairing.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.GetSession(r.Context(), getOwner(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// deleteSession disconnects a session; ?wipe=true also forgets it.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	wipe, _ := strconv.ParseBool(r.URL.Query().Get("wipe"))

	err := s.registry.Disconnect(r.Context(), getOwner(r.Context()), chi.URLParam(r, "sessionID"), wipe)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.registry.ListConversations(r.Context(), getOwner(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
			return
		}
	}

	conv, err := s.registry.CreateConversation(r.Context(), getOwner(r.Context()), chi.URLParam(r, "sessionID"), req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.registry.ListMessages(r.Context(), getOwner(r.Context()),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage submits text to a conversation and returns the exchange.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}

	res, err := s.registry.SendMessage(r.Context(), getOwner(r.Context()),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "conversationID"), req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": res.Conversation,
		"inbound":      res.Inbound,
		"reply":        res.Reply,
		"messages":     res.Messages,
	})
}

// sendDirect writes an operator message to the conversation's contact.
func (s *Server) sendDirect(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}

	msg, err := s.registry.SendDirect(r.Context(), getOwner(r.Context()),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "conversationID"), req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
