package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/config"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/feed"
	"github.com/npezzotti/go-fitsocial/internal/safety"
	"github.com/npezzotti/go-fitsocial/internal/server"
	"github.com/npezzotti/go-fitsocial/internal/stats"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/npezzotti/go-fitsocial/internal/testutil"
	"github.com/npezzotti/go-fitsocial/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	app     *FitSocialApp
	repo    *database.MemoryRepository
	auth    *TokenAuth
	cs      *server.ChatServer
	handler http.Handler
}

func newTestApp(t *testing.T) *testApp {
	logger := testutil.TestLogger(t)
	repo := database.NewMemoryRepository()
	broker := stream.NewBroker(logger)
	t.Cleanup(broker.Close)

	svc := server.Services{
		Messages: chat.NewMessageLog(repo, broker, nil, nil, logger, chat.Options{}),
		Ledger:   chat.NewUnreadLedger(repo, broker, logger),
		Feed:     feed.NewService(repo, broker, nil, nil, logger, 0),
		Safety:   safety.NewService(repo, broker, logger, safety.Options{}),
	}

	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.Run()

	cs, err := server.NewChatServer(logger, svc, su)
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	auth := NewTokenAuth([]byte("test-signing-key"))
	app := NewFitSocialApp(mux, logger, cs, repo, svc, auth, &config.Config{ServerAddr: ":0"})

	return &testApp{app: app, repo: repo, auth: auth, cs: cs, handler: app.Handler()}
}

func (ta *testApp) token(t *testing.T, userId string) string {
	token, err := issueToken(ta.auth, userId, defaultJwtExpiration)
	require.NoError(t, err)
	return token
}

// do sends body as JSON unless it is already a string.
func (ta *testApp) do(t *testing.T, method, path, userId string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	if userId != "" {
		req.Header.Set("Authorization", "Bearer "+ta.token(t, userId))
	}

	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func (ta *testApp) signUp(t *testing.T, userIds ...string) {
	for _, id := range userIds {
		rr := ta.do(t, http.MethodPut, "/api/users/me", id, UpdateProfileRequest{DisplayName: strings.ToUpper(id), NotificationsEnabled: true})
		require.Equal(t, http.StatusOK, rr.Code)
	}
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name     string
		mockErr  error
		expected int
	}{
		{
			name:     "successful health check",
			expected: http.StatusOK,
		},
		{
			name:     "failed health check",
			mockErr:  errors.New("db error"),
			expected: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			app := &FitSocialApp{log: testutil.TestLogger(t), db: mockRepo}
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			assert.Equal(t, tc.expected, rr.Code)
			if tc.mockErr == nil {
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	ta := newTestApp(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/users/me"},
		{http.MethodGet, "/api/rooms"},
		{http.MethodGet, "/api/rooms/bob/messages"},
		{http.MethodPost, "/api/rooms/bob/messages"},
		{http.MethodPost, "/api/rooms/bob/read"},
		{http.MethodGet, "/api/unread"},
		{http.MethodGet, "/api/blocks"},
		{http.MethodPost, "/api/blocks"},
		{http.MethodPost, "/api/reports"},
		{http.MethodGet, "/api/feed"},
		{http.MethodPost, "/api/posts"},
		{http.MethodPost, "/api/posts/p1/likes"},
		{http.MethodPost, "/api/posts/p1/comments"},
		{http.MethodGet, "/ws"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rr := ta.do(t, rt.method, rt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestProfile(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodGet, "/api/users/me", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ta.do(t, http.MethodPut, "/api/users/me", "alice", UpdateProfileRequest{DisplayName: "Alice"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ta.do(t, http.MethodGet, "/api/users/me", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	user := decodeBody[types.User](t, rr)
	assert.Equal(t, "alice", user.Id)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.False(t, user.NotificationsEnabled)

	rr = ta.do(t, http.MethodPut, "/api/users/me", "alice", `{"display_name":"A","is_admin":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "expected unknown fields to be rejected")
}

func TestMessagingFlow(t *testing.T) {
	ta := newTestApp(t)
	ta.signUp(t, "alice", "bob")

	rr := ta.do(t, http.MethodPost, "/api/rooms/bob/messages", "alice", SendMessageRequest{Text: "morning run?"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sent := decodeBody[map[string]string](t, rr)
	assert.Equal(t, "alice_bob", sent["room_id"])
	assert.NotEmpty(t, sent["id"])

	url := "https://cdn.example.com/route.png"
	rr = ta.do(t, http.MethodPost, "/api/rooms/bob/messages", "alice", SendMessageRequest{AttachmentUrl: &url})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ta.do(t, http.MethodGet, "/api/unread", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, decodeBody[map[string]int](t, rr)["total"])

	rr = ta.do(t, http.MethodGet, "/api/rooms/alice/messages?order=newest", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	msgs := decodeBody[[]types.Message](t, rr)
	require.Len(t, msgs, 2)
	assert.Equal(t, url, *msgs[0].AttachmentUrl)
	assert.Equal(t, "morning run?", msgs[1].Text)
	assert.Equal(t, "ALICE", msgs[1].Sender.Name)

	rr = ta.do(t, http.MethodGet, "/api/rooms", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rooms := decodeBody[[]types.Room](t, rr)
	require.Len(t, rooms, 1)
	assert.Equal(t, chat.MediaSummary, rooms[0].LastMessageText)
	assert.Equal(t, 2, rooms[0].UnreadCounts["bob"])
	assert.Equal(t, 0, rooms[0].UnreadCounts["alice"])

	rr = ta.do(t, http.MethodPost, "/api/rooms/alice/read", "bob", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ta.do(t, http.MethodGet, "/api/unread", "bob", nil)
	assert.Equal(t, 0, decodeBody[map[string]int](t, rr)["total"])
}

func TestSendMessageErrors(t *testing.T) {
	ta := newTestApp(t)

	tcases := []struct {
		name     string
		path     string
		body     any
		expected int
	}{
		{"self room", "/api/rooms/alice/messages", SendMessageRequest{Text: "hi"}, http.StatusBadRequest},
		{"peer with separator", "/api/rooms/b_ob/messages", SendMessageRequest{Text: "hi"}, http.StatusBadRequest},
		{"empty message", "/api/rooms/bob/messages", SendMessageRequest{Text: "  "}, http.StatusBadRequest},
		{"malformed body", "/api/rooms/bob/messages", `{"text":`, http.StatusBadRequest},
		{"unknown field", "/api/rooms/bob/messages", `{"text":"hi","priority":1}`, http.StatusBadRequest},
		{"media without uploader", "/api/rooms/bob/messages", SendMessageRequest{Media: &types.Media{Name: "a.png", Data: []byte{1}}}, http.StatusForbidden},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, tc.path, "alice", tc.body)
			assert.Equal(t, tc.expected, rr.Code, rr.Body.String())
		})
	}

	rr := ta.do(t, http.MethodGet, "/api/rooms/bob_carol/messages", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/rooms/bob/read", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "expected reading an unknown room to fail")
}

func TestBlockUser(t *testing.T) {
	ta := newTestApp(t)
	ta.signUp(t, "alice", "bob")

	rr := ta.do(t, http.MethodPost, "/api/rooms/bob/messages", "alice", SendMessageRequest{Text: "before"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/blocks", "bob", BlockRequest{UserId: "alice"})
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = ta.do(t, http.MethodPost, "/api/blocks", "bob", BlockRequest{UserId: "alice"})
	assert.Equal(t, http.StatusNoContent, rr.Code, "expected a repeated block to succeed")

	rr = ta.do(t, http.MethodGet, "/api/blocks", "bob", nil)
	assert.Equal(t, []string{"alice"}, decodeBody[map[string][]string](t, rr)["blocked"])

	rr = ta.do(t, http.MethodPost, "/api/rooms/bob/messages", "alice", SendMessageRequest{Text: "after"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ta.do(t, http.MethodGet, "/api/rooms/alice/messages", "bob", nil)
	assert.Empty(t, decodeBody[[]types.Message](t, rr), "expected blocked sender to be hidden")

	rr = ta.do(t, http.MethodGet, "/api/rooms/bob/messages", "alice", nil)
	assert.Len(t, decodeBody[[]types.Message](t, rr), 1, "expected the blocked user to still see the thread")

	rr = ta.do(t, http.MethodPost, "/api/blocks", "bob", BlockRequest{UserId: "bob"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/blocks", "bob", BlockRequest{UserId: "nobody"})
	assert.Equal(t, http.StatusNoContent, rr.Code, "expected users without a profile to be blockable")
}

func TestBlockUserWithoutProfiles(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodPost, "/api/rooms/dave/messages", "erin", SendMessageRequest{Text: "hey"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/blocks", "dave", BlockRequest{UserId: "erin"})
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/rooms/dave/messages", "erin", SendMessageRequest{Text: "hey again"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestReportContent(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodPost, "/api/reports", "alice", ReportRequest{TargetId: "p1", TargetKind: "video"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		rr = ta.do(t, http.MethodPost, "/api/reports", "alice", ReportRequest{TargetId: "p1", TargetKind: types.TargetPost, Reason: "spam"})
		require.Equal(t, http.StatusCreated, rr.Code)
		ids[decodeBody[map[string]string](t, rr)["id"]] = true
	}
	assert.Len(t, ids, 5, "expected every report to get its own id")
	assert.Len(t, ta.repo.Reports(), 5)

	rr = ta.do(t, http.MethodPost, "/api/reports", "alice", ReportRequest{TargetId: "p1", TargetKind: types.TargetPost})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/reports", "bob", ReportRequest{TargetId: "alice", TargetKind: types.TargetUser})
	assert.Equal(t, http.StatusCreated, rr.Code, "expected limits to be per reporter")
}

func TestFeedFlow(t *testing.T) {
	ta := newTestApp(t)
	ta.signUp(t, "alice", "bob")

	rr := ta.do(t, http.MethodPost, "/api/posts", "alice", CreatePostRequest{
		Text:       "10k done",
		Activities: []types.Activity{{Name: "run", Type: "cardio", Duration: 3000, Steps: 12000, Mets: 9.8}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	post := decodeBody[types.Post](t, rr)
	assert.Equal(t, "ALICE", post.Author.Name)

	group := "runners"
	rr = ta.do(t, http.MethodPost, "/api/posts", "bob", CreatePostRequest{Text: "group run sunday", GroupId: &group})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/posts", "bob", CreatePostRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/posts/"+post.Id+"/likes", "bob", nil)
	assert.Equal(t, http.StatusCreated, rr.Code)
	rr = ta.do(t, http.MethodPost, "/api/posts/"+post.Id+"/likes", "bob", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decodeBody[map[string]bool](t, rr)["created"])

	rr = ta.do(t, http.MethodPost, "/api/posts/"+post.Id+"/comments", "bob", CommentRequest{Text: "nice pace"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "nice pace", decodeBody[types.Comment](t, rr).Text)

	rr = ta.do(t, http.MethodPost, "/api/posts/missing/likes", "bob", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ta.do(t, http.MethodGet, "/api/feed", "bob", nil)
	posts := decodeBody[[]types.Post](t, rr)
	require.Len(t, posts, 2)

	rr = ta.do(t, http.MethodGet, "/api/feed?group=runners", "bob", nil)
	posts = decodeBody[[]types.Post](t, rr)
	require.Len(t, posts, 1)
	assert.Equal(t, "bob", posts[0].AuthorId)

	require.Equal(t, http.StatusNoContent, ta.do(t, http.MethodPost, "/api/blocks", "bob", BlockRequest{UserId: "alice"}).Code)

	rr = ta.do(t, http.MethodGet, "/api/feed", "bob", nil)
	posts = decodeBody[[]types.Post](t, rr)
	require.Len(t, posts, 1)
	assert.Equal(t, "bob", posts[0].AuthorId)

	rr = ta.do(t, http.MethodGet, "/api/feed", "alice", nil)
	posts = decodeBody[[]types.Post](t, rr)
	require.Len(t, posts, 2)
	for _, p := range posts {
		if p.Id == post.Id {
			assert.Equal(t, 1, p.LikeCount)
			assert.Equal(t, 1, p.CommentCount)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fitsocial_ws_connections")
}

func TestServeWs(t *testing.T) {
	ta := newTestApp(t)
	ta.signUp(t, "alice", "bob")

	srv := httptest.NewServer(ta.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+ta.token(t, "bob"))
	wsUrl := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(wsUrl, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	read := func() server.ServerMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg server.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	require.NoError(t, conn.WriteJSON(server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: 1},
		Subscribe:   &server.Subscribe{Topic: server.TopicUnread},
	}))

	ack := read()
	assert.Equal(t, 1, ack.Id)
	assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)
	assert.Equal(t, 0, *read().Snapshot.Unread)

	rr := ta.do(t, http.MethodPost, "/api/rooms/bob/messages", "alice", SendMessageRequest{Text: "hi"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 1, *read().Snapshot.Unread)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, http.StatusBadRequest, read().Response.ResponseCode)

	header.Set("Origin", "https://evil.example.com")
	_, resp, err = websocket.DefaultDialer.Dial(wsUrl, header)
	assert.Error(t, err, "expected a disallowed origin to be rejected")
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
