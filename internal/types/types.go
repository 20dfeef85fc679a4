package types

import (
	"time"
)

type EventKind string

const (
	KindRegular EventKind = "regular"
	KindJoin    EventKind = "system_join"
	KindLeave   EventKind = "system_leave"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindRegular, KindJoin, KindLeave:
		return true
	}
	return false
}

// ChatEvent is one durable record in the message log.
type ChatEvent struct {
	Id        int64     `json:"id"`
	Content   string    `json:"content"`
	Nickname  string    `json:"nickname,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"message_type"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
