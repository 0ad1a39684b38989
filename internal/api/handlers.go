package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/feed"
	"github.com/npezzotti/go-fitsocial/internal/server"
	"github.com/npezzotti/go-fitsocial/internal/types"
	"github.com/npezzotti/go-fitsocial/internal/visibility"
)

type UpdateProfileRequest struct {
	DisplayName          string  `json:"display_name"`
	AvatarUrl            *string `json:"avatar_url"`
	NotificationsEnabled bool    `json:"notifications_enabled"`
}

type SendMessageRequest struct {
	Text          string       `json:"text"`
	AttachmentUrl *string      `json:"attachment_url"`
	Media         *types.Media `json:"media"`
}

type BlockRequest struct {
	UserId string `json:"user_id"`
}

type ReportRequest struct {
	TargetId   string           `json:"target_id"`
	TargetKind types.TargetKind `json:"target_kind"`
	Reason     string           `json:"reason"`
}

type CreatePostRequest struct {
	Text       string           `json:"text"`
	GroupId    *string          `json:"group_id"`
	Activities []types.Activity `json:"activities"`
	Images     []types.Media    `json:"images"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

func (s *FitSocialApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *FitSocialApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFromService(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Printf("request failed: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decodeJson rejects bodies with unknown fields or trailing data.
func decodeJson(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after request body")
	}
	return nil
}

// currentUser writes a 401 when the request has no authenticated user.
func (s *FitSocialApp) currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return userId, ok
}

func (s *FitSocialApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *FitSocialApp) getProfile(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	user, err := s.db.GetUser(r.Context(), userId)
	if err != nil {
		s.writeError(w, chat.StoreError(err))
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *FitSocialApp) updateProfile(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if err := decodeJson(w, r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.UpsertUser(r.Context(), database.UpsertUserParams{
		Id:                   userId,
		DisplayName:          req.DisplayName,
		AvatarUrl:            req.AvatarUrl,
		NotificationsEnabled: req.NotificationsEnabled,
	})
	if err != nil {
		s.writeError(w, chat.StoreError(err))
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *FitSocialApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	rooms, err := s.svc.Messages.Rooms(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []types.Room{}
	}

	s.writeJson(w, http.StatusOK, rooms)
}

// blockedBy loads the viewer's blocklist for one-shot reads.
func (s *FitSocialApp) blockedBy(r *http.Request, userId string) (visibility.Set, error) {
	ids, err := s.svc.Safety.Blocklist(r.Context(), userId)
	if err != nil {
		return nil, err
	}
	return visibility.NewSet(ids...), nil
}

func (s *FitSocialApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, err := chat.ResolveRoomId(userId, r.PathValue("peer"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	order := chat.OldestFirst
	if r.URL.Query().Get("order") == "newest" {
		order = chat.NewestFirst
	}

	msgs, err := s.svc.Messages.History(r.Context(), roomId, userId, order)
	if err != nil {
		s.writeError(w, err)
		return
	}

	blocked, err := s.blockedBy(r, userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	visible := visibility.Apply(msgs, blocked, func(m types.Message) string { return m.SenderId })
	if visible == nil {
		visible = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, visible)
}

func (s *FitSocialApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := decodeJson(w, r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomId, err := chat.ResolveRoomId(userId, r.PathValue("peer"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var id string
	if req.Media != nil {
		id, err = s.svc.Messages.Send(r.Context(), chat.SendParams{
			RoomId:     roomId,
			SenderId:   userId,
			Text:       req.Text,
			Attachment: req.Media,
		})
	} else {
		id, err = s.svc.Messages.Append(r.Context(), chat.AppendParams{
			RoomId:        roomId,
			SenderId:      userId,
			Text:          req.Text,
			AttachmentUrl: req.AttachmentUrl,
		})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, map[string]string{"id": id, "room_id": roomId})
}

func (s *FitSocialApp) markRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, err := chat.ResolveRoomId(userId, r.PathValue("peer"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.svc.Ledger.Reset(r.Context(), roomId, userId); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *FitSocialApp) unreadTotal(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	total, err := s.svc.Ledger.TotalFor(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int{"total": total})
}

func (s *FitSocialApp) listBlocks(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	ids, err := s.svc.Safety.Blocklist(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	s.writeJson(w, http.StatusOK, map[string][]string{"blocked": ids})
}

func (s *FitSocialApp) blockUser(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req BlockRequest
	if err := decodeJson(w, r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.svc.Safety.BlockUser(r.Context(), userId, req.UserId); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *FitSocialApp) reportContent(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req ReportRequest
	if err := decodeJson(w, r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id, err := s.svc.Safety.ReportContent(r.Context(), userId, req.TargetId, req.TargetKind, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *FitSocialApp) getFeed(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var groupId *string
	if g := r.URL.Query().Get("group"); g != "" {
		groupId = &g
	}

	posts, err := s.svc.Feed.Posts(r.Context(), groupId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	blocked, err := s.blockedBy(r, userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	visible := visibility.Apply(posts, blocked, func(p types.Post) string { return p.AuthorId })
	if visible == nil {
		visible = []types.Post{}
	}

	s.writeJson(w, http.StatusOK, visible)
}

func (s *FitSocialApp) createPost(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req CreatePostRequest
	if err := decodeJson(w, r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	post, err := s.svc.Feed.CreatePost(r.Context(), feed.CreatePostParams{
		AuthorId:   userId,
		Text:       req.Text,
		GroupId:    req.GroupId,
		Activities: req.Activities,
		Images:     req.Images,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, post)
}

func (s *FitSocialApp) likePost(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	created, err := s.svc.Feed.RecordLike(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJson(w, status, map[string]bool{"created": created})
}

func (s *FitSocialApp) commentPost(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req CommentRequest
	if err := decodeJson(w, r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	comment, err := s.svc.Feed.RecordComment(r.Context(), r.PathValue("id"), userId, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, comment)
}

func (s *FitSocialApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(userId, conn, s.cs, s.log)
	if !s.cs.Register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
