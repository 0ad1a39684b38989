package database

import (
	"github.com/npezzotti/go-fitsocial/internal/types"
)

const (
	DefaultMessageLimit = 50
	DefaultPostLimit    = 50
)

type UpsertUserParams struct {
	Id                   string
	DisplayName          string
	AvatarUrl            *string
	NotificationsEnabled bool
}

// AppendMessageParams describes one message append. The store fills in
// CreatedAt, Seq and the sender snapshot.
type AppendMessageParams struct {
	Message types.Message
	Members [2]string
	// Summary is the room's last-message text, a media marker for
	// attachment-only messages.
	Summary string
}

func (p AppendMessageParams) recipients() []string {
	var out []string
	for _, m := range p.Members {
		if m != p.Message.SenderId {
			out = append(out, m)
		}
	}
	return out
}

func stringPtr(s string) *string {
	return &s
}
