package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/safety"
	"github.com/npezzotti/go-fitsocial/internal/types"
)

const (
	TopicRoom   = "room"
	TopicFeed   = "feed"
	TopicUnread = "unread"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Publish     *Publish     `json:"publish,omitempty"`
	Read        *Read        `json:"read,omitempty"`
	UserId      string       `json:"-"`
	client      *Client      `json:"-"`
}

// Subscribe opens a live stream. PeerId selects the room for the room
// topic and GroupId narrows the feed topic.
type Subscribe struct {
	Topic       string  `json:"topic"`
	PeerId      string  `json:"peer_id,omitempty"`
	GroupId     *string `json:"group_id,omitempty"`
	NewestFirst bool    `json:"newest_first,omitempty"`
}

type Unsubscribe struct {
	Key string `json:"key"`
}

type Publish struct {
	PeerId        string  `json:"peer_id"`
	Text          string  `json:"text"`
	AttachmentUrl *string `json:"attachment_url,omitempty"`
}

type Read struct {
	PeerId string `json:"peer_id"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response `json:"response,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Snapshot is the full current state of one subscription.
type Snapshot struct {
	Key      string          `json:"key"`
	Messages []types.Message `json:"messages,omitempty"`
	Posts    []types.Post    `json:"posts,omitempty"`
	Unread   *int            `json:"unread,omitempty"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func errResponse(id, code int, text string) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "not found")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format")
}

// ErrFromError maps a service error to the response the client sees.
func ErrFromError(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, chat.ErrInvalidParticipants),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, types.ErrInvalidRecord):
		return errResponse(id, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrPermission):
		return errResponse(id, http.StatusForbidden, "permission denied")
	case errors.Is(err, chat.ErrNotFound):
		return ErrNotFound(id)
	case errors.Is(err, chat.ErrTransactionConflict):
		return errResponse(id, http.StatusConflict, "conflicting write, try again")
	case errors.Is(err, safety.ErrRateLimited):
		return errResponse(id, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, chat.ErrNetwork):
		return ErrServiceUnavailable(id)
	}
	return ErrInternalError(id)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
