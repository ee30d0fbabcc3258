package chat

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/ychat/internal/proto"
)

// UpdateKind tells a room listener what changed.
type UpdateKind string

const (
	UpdateHistory UpdateKind = "history" // the whole list was replaced
	UpdateMessage UpdateKind = "message" // one message was appended
)

// Update is delivered to room listeners.
type Update struct {
	Kind     UpdateKind
	Message  proto.Message   // UpdateMessage
	Messages []proto.Message // UpdateHistory
}

// newMessageID returns a time-ordered id. The millisecond clock is the
// fallback if the random source fails.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	return id.String()
}
