// Package httpapi exposes the REST surface: room lifecycle, message
// history, and quiz-session control. Realtime delivery lives in ws.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/httpapi/identity"
	"github.com/ludus-app/ludus-server/internal/hub"
	"github.com/ludus-app/ludus-server/internal/llm"
	"github.com/ludus-app/ludus-server/internal/room"
	"github.com/ludus-app/ludus-server/internal/store"
	"github.com/ludus-app/ludus-server/internal/tasks"
	"github.com/ludus-app/ludus-server/internal/wire"
)

const (
	maxTitleLen   = 100
	maxContentLen = 1000
	maxCapacity   = 10
	defaultCap    = 5
)

type Server struct {
	Hub      *hub.Hub
	Rooms    store.RoomStore
	Messages store.MessageStore
	Runner   tasks.Runner
	Log      *zap.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) member(r *http.Request) (room.Member, bool) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		return room.Member{}, false
	}
	return room.Member{ID: who.ID, Name: who.Name, Picture: who.Picture}, true
}

// liveRoom resolves the path room and writes the error response itself
// when the room does not exist.
func (s *Server) liveRoom(w http.ResponseWriter, r *http.Request) *room.Room {
	rm := s.Hub.Room(chi.URLParam(r, "roomID"))
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
	}
	return rm
}

type createRoomRequest struct {
	Title      string `json:"title"`
	Visibility string `json:"visibility"`
	Passcode   string `json:"passcode,omitempty"`
	Capacity   int    `json:"capacity,omitempty"`
}

type roomResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Visibility  string    `json:"visibility"`
	Capacity    int       `json:"capacity"`
	CreatorID   string    `json:"creator_id"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Title == "" || len(req.Title) > maxTitleLen {
		writeError(w, http.StatusBadRequest, "title must be 1-100 characters")
		return
	}
	switch req.Visibility {
	case "", "public":
		req.Visibility = "public"
	case "passcode":
		if req.Passcode == "" {
			writeError(w, http.StatusBadRequest, "passcode rooms need a passcode")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "visibility must be public or passcode")
		return
	}
	if req.Capacity == 0 {
		req.Capacity = defaultCap
	}
	if req.Capacity < 1 || req.Capacity > maxCapacity {
		writeError(w, http.StatusBadRequest, "capacity must be 1-10")
		return
	}

	var hash []byte
	if req.Visibility == "passcode" {
		var err error
		hash, err = room.HashPasscode(req.Passcode)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	info := room.Info{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Visibility:   req.Visibility,
		Capacity:     req.Capacity,
		CreatorID:    creator.ID,
		PasscodeHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	rec := store.Room{
		ID:           info.ID,
		Title:        info.Title,
		Visibility:   info.Visibility,
		PasscodeHash: hash,
		Capacity:     info.Capacity,
		CreatorID:    creator.ID,
		CreatedAt:    info.CreatedAt,
	}
	mem := store.RoomMember{
		RoomID:   info.ID,
		UserID:   creator.ID,
		Name:     creator.Name,
		Picture:  creator.Picture,
		JoinedAt: info.CreatedAt,
	}
	if err := s.Rooms.CreateRoom(r.Context(), rec, mem); err != nil {
		s.Log.Error("create room", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create room")
		return
	}

	reply := make(chan *room.Room, 1)
	s.Hub.Inbox() <- hub.CreateRoom{Info: info, Creator: creator, Reply: reply}
	<-reply

	writeJSON(w, http.StatusCreated, roomResponse{
		ID:          info.ID,
		Title:       info.Title,
		Visibility:  info.Visibility,
		Capacity:    info.Capacity,
		CreatorID:   info.CreatorID,
		MemberCount: 1,
		CreatedAt:   info.CreatedAt,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.Rooms.ListRooms(r.Context(), 100)
	if err != nil {
		s.Log.Error("list rooms", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list rooms")
		return
	}
	out := make([]roomResponse, 0, len(summaries))
	for _, sum := range summaries {
		if sum.Visibility != "public" {
			continue
		}
		out = append(out, roomResponse{
			ID:          sum.ID,
			Title:       sum.Title,
			Visibility:  sum.Visibility,
			Capacity:    sum.Capacity,
			CreatorID:   sum.CreatorID,
			MemberCount: sum.MemberCount,
			CreatedAt:   sum.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type roomDetailResponse struct {
	roomResponse
	Members []memberResponse `json:"members"`
	Seq     int64            `json:"seq"`
}

type memberResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

func (s *Server) handleRoomDetail(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	view := stateOf(rm)
	if !view.IsMember(who.ID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	members := make([]memberResponse, 0, len(view.Members))
	for _, m := range view.Members {
		members = append(members, memberResponse{ID: m.ID, Name: m.Name, Picture: m.Picture})
	}
	writeJSON(w, http.StatusOK, roomDetailResponse{
		roomResponse: roomResponse{
			ID:          view.Info.ID,
			Title:       view.Info.Title,
			Visibility:  view.Info.Visibility,
			Capacity:    view.Info.Capacity,
			CreatorID:   view.Info.CreatorID,
			MemberCount: len(view.Members),
			CreatedAt:   view.Info.CreatedAt,
		},
		Members: members,
		Seq:     view.Seq,
	})
}

type joinRequest struct {
	Passcode string `json:"passcode,omitempty"`
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	var req joinRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	reply := make(chan error, 1)
	rm.Inbox() <- room.AddMember{Member: who, Passcode: req.Passcode, Reply: reply}
	switch err := <-reply; {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, room.ErrRoomFull):
		writeError(w, http.StatusConflict, "room is full")
	case errors.Is(err, room.ErrBadPasscode):
		writeError(w, http.StatusForbidden, "wrong passcode")
	default:
		s.Log.Error("join room", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not join")
	}
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	reply := make(chan bool, 1)
	rm.Inbox() <- room.RemoveMember{UserID: who.ID, Reply: reply}
	if emptied := <-reply; emptied {
		s.cleanupRoom(r, roomID)
	} else if err := s.Rooms.RemoveMember(r.Context(), roomID, who.ID); err != nil {
		s.Log.Warn("remove member record", zap.String("room_id", roomID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	if stateOf(rm).Info.CreatorID != who.ID {
		writeError(w, http.StatusForbidden, "only the creator can delete a room")
		return
	}
	s.Hub.Inbox() <- hub.RemoveRoom{ID: roomID}
	s.cleanupRoom(r, roomID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cleanupRoom(r *http.Request, roomID string) {
	if err := s.Rooms.DeleteRoom(r.Context(), roomID); err != nil {
		s.Log.Warn("delete room record", zap.String("room_id", roomID), zap.Error(err))
	}
	if err := s.Messages.DeleteRoom(r.Context(), roomID); err != nil {
		s.Log.Warn("delete room messages", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	if !stateOf(rm).IsMember(who.ID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	msgs, err := s.Messages.History(r.Context(), roomID, limit, offset)
	if err != nil {
		s.Log.Error("message history", zap.String("room_id", roomID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageRequest struct {
	Content        string        `json:"content"`
	ReferencedDocs []wire.DocRef `json:"referenced_docs,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Content == "" || len(req.Content) > maxContentLen {
		writeError(w, http.StatusBadRequest, "content must be 1-1000 characters")
		return
	}
	if !stateOf(rm).IsMember(who.ID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	reply := make(chan room.PostResult, 1)
	rm.Inbox() <- room.PostMessage{Author: &who, Content: req.Content, Docs: req.ReferencedDocs, Reply: reply}
	res := <-reply
	if res.Err != nil {
		s.Log.Error("post message", zap.Error(res.Err))
		writeError(w, http.StatusInternalServerError, "could not post message")
		return
	}
	writeJSON(w, http.StatusCreated, res.Message)
}

type startGameRequest struct {
	Problems []llm.ProblemSpec `json:"problems"`
}

type startGameResponse struct {
	SessionID string `json:"game_id"`
	Status    string `json:"status"`
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	var req startGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if len(req.Problems) == 0 {
		writeError(w, http.StatusBadRequest, "problems must not be empty")
		return
	}
	reply := make(chan room.StartResult, 1)
	rm.Inbox() <- room.StartGame{HostID: who.ID, Reply: reply}
	res := <-reply
	if res.Err != nil {
		switch {
		case errors.Is(res.Err, room.ErrNotMember):
			writeError(w, http.StatusForbidden, "not a member")
		default:
			writeError(w, http.StatusConflict, res.Err.Error())
		}
		return
	}
	payload := tasks.GeneratePayload{RoomID: roomID, SessionID: res.SessionID, Specs: req.Problems}
	if err := s.Runner.Dispatch(r.Context(), payload); err != nil {
		s.Log.Error("dispatch generation", zap.String("room_id", roomID), zap.Error(err))
		rm.Inbox() <- room.GenerationFailed{SessionID: res.SessionID, Err: err}
		writeError(w, http.StatusBadGateway, "could not schedule question generation")
		return
	}
	writeJSON(w, http.StatusAccepted, startGameResponse{SessionID: res.SessionID, Status: "generating"})
}

type gameStateResponse struct {
	SessionID       string           `json:"game_id"`
	Status          string           `json:"status"`
	CurrentQuestion int              `json:"current_question_index"`
	TotalQuestions  int              `json:"total_questions"`
	TimeRemaining   int              `json:"time_remaining"`
	Scores          map[string]int   `json:"scores,omitempty"`
	Ranking         []wire.RankEntry `json:"ranking,omitempty"`
}

func (s *Server) handleGameState(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	view := stateOf(rm)
	if !view.IsMember(who.ID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	if view.SessionID == "" {
		writeError(w, http.StatusNotFound, "no active game")
		return
	}
	out := gameStateResponse{
		SessionID:       view.SessionID,
		Status:          string(view.GameStatus),
		CurrentQuestion: view.Current,
		TotalQuestions:  view.Total,
		TimeRemaining:   view.Remaining,
		Scores:          view.Scores,
	}
	names := make(map[string]string, len(view.Members))
	for _, m := range view.Members {
		names[m.ID] = m.Name
	}
	for _, e := range view.Ranking {
		out.Ranking = append(out.Ranking, wire.RankEntry{
			UserID:   e.UserID,
			Name:     names[e.UserID],
			Score:    e.Score,
			Correct:  e.Correct,
			Position: e.Position,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

// handleAnswer submits an answer through the message path; grading
// happens asynchronously and the result arrives on the event channel.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	who, ok := s.member(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rm := s.liveRoom(w, r)
	if rm == nil {
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Answer == "" || len(req.Answer) > maxContentLen {
		writeError(w, http.StatusBadRequest, "answer must be 1-1000 characters")
		return
	}
	view := stateOf(rm)
	if !view.IsMember(who.ID) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	if view.SessionID == "" {
		writeError(w, http.StatusNotFound, "no active game")
		return
	}
	reply := make(chan room.PostResult, 1)
	rm.Inbox() <- room.PostMessage{Author: &who, Content: req.Answer, Reply: reply}
	res := <-reply
	if res.Err != nil {
		s.Log.Error("post answer", zap.Error(res.Err))
		writeError(w, http.StatusInternalServerError, "could not submit answer")
		return
	}
	writeJSON(w, http.StatusAccepted, res.Message)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func stateOf(rm *room.Room) room.View {
	reply := make(chan room.View, 1)
	rm.Inbox() <- room.GetState{Reply: reply}
	return <-reply
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
