package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type User struct {
	Id                   string    `json:"id"`
	DisplayName          string    `json:"display_name"`
	AvatarUrl            *string   `json:"avatar_url"`
	BlockedUsers         []string  `json:"blocked_users,omitempty"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	CreatedAt            time.Time `json:"created_at,omitempty"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// MemberInfo is the display snapshot cached on rooms, messages and posts.
type MemberInfo struct {
	Name      string  `json:"name"`
	AvatarUrl *string `json:"avatar_url"`
}

type Room struct {
	Id              string                `json:"id"`
	Members         [2]string             `json:"members"`
	LastMessageText string                `json:"last_message_text"`
	UnreadCounts    map[string]int        `json:"unread_counts"`
	MemberInfo      map[string]MemberInfo `json:"member_info"`
	CreatedAt       time.Time             `json:"created_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

type Message struct {
	Id            string     `json:"id"`
	RoomId        string     `json:"room_id"`
	SenderId      string     `json:"sender_id"`
	Text          string     `json:"text"`
	AttachmentUrl *string    `json:"attachment_url"`
	Sender        MemberInfo `json:"sender"`
	Seq           int64      `json:"seq"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Less orders messages by (CreatedAt, Seq).
func (m Message) Less(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}

type Activity struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Duration int     `json:"duration"`
	Steps    int     `json:"steps"`
	Mets     float64 `json:"mets"`
}

type Post struct {
	Id           string     `json:"id"`
	AuthorId     string     `json:"author_id"`
	Author       MemberInfo `json:"author"`
	Text         string     `json:"text"`
	ImageUrls    []string   `json:"image_urls"`
	LikeCount    int        `json:"like_count"`
	CommentCount int        `json:"comment_count"`
	GroupId      *string    `json:"group_id"`
	Activities   []Activity `json:"activities,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Comment struct {
	Id        string    `json:"id"`
	PostId    string    `json:"post_id"`
	UserId    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type TargetKind string

const (
	TargetPost TargetKind = "post"
	TargetUser TargetKind = "user"
	TargetDM   TargetKind = "dm"
)

func (k TargetKind) Valid() bool {
	switch k {
	case TargetPost, TargetUser, TargetDM:
		return true
	}
	return false
}

type Report struct {
	Id         string     `json:"id"`
	ReporterId string     `json:"reporter_id"`
	TargetId   string     `json:"target_id"`
	TargetKind TargetKind `json:"target_kind"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Media is an attachment waiting to be uploaded. Name is the local
// reference the client captured it under.
type Media struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type EventKind string

const (
	EventMessage EventKind = "message"
	EventLike    EventKind = "like"
	EventComment EventKind = "comment"
)

type Event struct {
	Id          string            `json:"id"`
	Kind        EventKind         `json:"kind"`
	ActorId     string            `json:"actor_id"`
	RecipientId string            `json:"recipient_id"`
	Payload     map[string]string `json:"payload"`
	CreatedAt   time.Time         `json:"created_at"`
}

var ErrInvalidRecord = errors.New("invalid record")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

func (m Message) Validate() error {
	if m.RoomId == "" {
		return invalid("message room id is required")
	}
	if m.SenderId == "" {
		return invalid("message sender id is required")
	}
	if m.Text == "" && (m.AttachmentUrl == nil || *m.AttachmentUrl == "") {
		return invalid("message has neither text nor attachment")
	}
	return nil
}

func (r Report) Validate() error {
	if r.ReporterId == "" || r.TargetId == "" {
		return invalid("report reporter and target are required")
	}
	if !r.TargetKind.Valid() {
		return invalid("unknown report target kind %q", r.TargetKind)
	}
	return nil
}

func (p Post) Validate() error {
	if p.AuthorId == "" {
		return invalid("post author id is required")
	}
	for _, u := range p.ImageUrls {
		if strings.TrimSpace(u) == "" {
			return invalid("post image url is empty")
		}
	}
	for _, a := range p.Activities {
		if a.Name == "" {
			return invalid("activity name is required")
		}
		if a.Duration < 0 || a.Steps < 0 || a.Mets < 0 {
			return invalid("activity %q has negative values", a.Name)
		}
	}
	return nil
}
