package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"enquirychat/internal/logger"
	"enquirychat/internal/model"
)

type ensureChatRequest struct {
	SubjectName  string   `json:"subjectName"`
	Participants []string `json:"participants"`
}

func kindVar(w http.ResponseWriter, r *http.Request) (model.ChannelKind, bool) {
	kind, err := model.ParseChannelKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return kind, true
}

// EnsureChat handles PUT /api/subjects/{subjectId}/chats/{kind}. The first
// call creates the chat (201); later calls replace its participants (200).
func (h *Handler) EnsureChat(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subjectId"]
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	var req ensureChatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ch, created, err := h.Service.EnsureChannel(r.Context(), subjectID, req.SubjectName, kind, req.Participants)
	if err != nil {
		fail(w, r, err)
		return
	}
	if created {
		logger.Info("chat_created", "chat", ch.ID, "subject", subjectID, "kind", kind)
		writeJSON(w, http.StatusCreated, ch)
		return
	}

	ch, err = h.Service.SetParticipants(r.Context(), subjectID, kind, req.Participants)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type participantRequest struct {
	UserID string `json:"userId"`
}

// AddParticipant handles POST /api/subjects/{subjectId}/chats/{kind}/participants
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subjectId"]
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	var req participantRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ch, err := h.Service.AddParticipant(r.Context(), subjectID, kind, req.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// DeleteSubject handles DELETE /api/subjects/{subjectId}
func (h *Handler) DeleteSubject(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["subjectId"]

	channels, messages, err := h.Service.DeleteSubject(r.Context(), subjectID)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("subject_deleted", "subject", subjectID, "chats", channels, "messages", messages, "by", caller(r).UserID)
	writeJSON(w, http.StatusOK, map[string]int{"deletedChats": channels, "deletedMessages": messages})
}
