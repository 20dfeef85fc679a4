package protocol

import (
	"errors"
	"time"

	"github.com/npezzotti/chat-relay/internal/types"
)

var ErrInvalidMessage = errors.New("invalid message format")

type BaseMessage struct {
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is one inbound frame. Exactly one member must be set.
type ClientMessage struct {
	SetNickname *SetNickname `json:"set_nickname,omitempty"`
	Message     *Publish     `json:"message,omitempty"`
	GetUsers    *GetUsers    `json:"get_users,omitempty"`
}

type SetNickname struct {
	Nickname string `json:"nickname"`
}

type Publish struct {
	Message string `json:"message"`
}

type GetUsers struct{}

func (m *ClientMessage) Validate() error {
	set := 0
	if m.SetNickname != nil {
		set++
	}
	if m.Message != nil {
		set++
	}
	if m.GetUsers != nil {
		set++
	}
	if set != 1 {
		return ErrInvalidMessage
	}
	return nil
}

// ServerMessage is one outbound frame. Exactly one member is set.
type ServerMessage struct {
	BaseMessage
	Status         *Status         `json:"status,omitempty"`
	Message        *ChatLine       `json:"message,omitempty"`
	MessageHistory *MessageHistory `json:"message_history,omitempty"`
	NicknameSet    *NicknameSet    `json:"nickname_set,omitempty"`
	UsersList      *UsersList      `json:"users_list,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

type Status struct {
	Msg string `json:"msg"`
}

type ChatLine struct {
	Msg string `json:"msg"`
}

type MessageHistory struct {
	Messages []types.ChatEvent `json:"messages"`
}

type NicknameSet struct {
	Nickname      string   `json:"nickname"`
	ExistingUsers []string `json:"existing_users"`
}

type UsersList struct {
	Users []string `json:"users"`
}

type Error struct {
	Msg string `json:"msg"`
}

func base() BaseMessage {
	return BaseMessage{Timestamp: types.Now()}
}

func NewStatus(msg string) *ServerMessage {
	return &ServerMessage{BaseMessage: base(), Status: &Status{Msg: msg}}
}

func NewChatLine(msg string) *ServerMessage {
	return &ServerMessage{BaseMessage: base(), Message: &ChatLine{Msg: msg}}
}

func NewMessageHistory(events []types.ChatEvent) *ServerMessage {
	if events == nil {
		events = []types.ChatEvent{}
	}
	return &ServerMessage{BaseMessage: base(), MessageHistory: &MessageHistory{Messages: events}}
}

func NewNicknameSet(nickname string, existing []string) *ServerMessage {
	if existing == nil {
		existing = []string{}
	}
	return &ServerMessage{
		BaseMessage: base(),
		NicknameSet: &NicknameSet{Nickname: nickname, ExistingUsers: existing},
	}
}

func NewUsersList(users []string) *ServerMessage {
	if users == nil {
		users = []string{}
	}
	return &ServerMessage{BaseMessage: base(), UsersList: &UsersList{Users: users}}
}

func NewError(msg string) *ServerMessage {
	return &ServerMessage{BaseMessage: base(), Error: &Error{Msg: msg}}
}

func ErrInvalidFormat() *ServerMessage {
	return NewError(ErrInvalidMessage.Error())
}

func ErrInternalError() *ServerMessage {
	return NewError("internal server error")
}
