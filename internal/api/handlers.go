package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chatwarden/internal/broadcast"
	"chatwarden/internal/moderation"
	logx "chatwarden/pkg/logx"
)

// Broadcast bodies carry base64 images; anything past this is refused.
const maxBodyBytes = 64 << 20

type clearChatsBody struct {
	Chats []int64 `json:"chats"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id: "+raw)
		return 0, false
	}
	return id, true
}

func (s *Server) hello(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello, World!"))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) chats(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Groups.All(r.Context())
	if err != nil {
		s.internal(w, r, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) statusMap(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

func (s *Server) groups(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Groups.List(r.Context())
	if err != nil {
		s.internal(w, r, "list groups", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.deps.Groups.Delete(r.Context(), id)
	switch {
	case errors.Is(err, moderation.ErrUnknownGroup):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.internal(w, r, "delete chat", err)
	default:
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
	}
}

func (s *Server) clearChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Clear.ClearOne(r.Context(), id)
	var ce *moderation.ChatError
	switch {
	case errors.Is(err, moderation.ErrUnknownGroup):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, moderation.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusInternalServerError, ce.Reason())
	case err != nil:
		s.internal(w, r, "clear chat", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) clearChats(w http.ResponseWriter, r *http.Request) {
	var body clearChatsBody
	if !decodeBody(w, r, &body) {
		return
	}
	job := s.deps.Clear.StartClear(body.Chats)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":     job.ID,
		"claimed": job.Claimed,
		"skipped": job.Skipped,
		"unknown": job.Unknown,
	})
}

func (s *Server) clearJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Clear.Job(mux.Vars(r)["job"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req broadcast.Request
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.deps.Sender.Schedule(r.Context(), req)
	switch {
	case errors.Is(err, broadcast.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.internal(w, r, "schedule message", err)
	default:
		writeJSON(w, http.StatusOK, map[string]int64{"message_id": id})
	}
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(op+" failed", logx.String("request_id", requestID(r)), logx.Err(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
