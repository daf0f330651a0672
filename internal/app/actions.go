package app

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/skill-collectors/guesstimator/internal/domain"
	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

const (
	actionSubscribe     = "subscribe"
	actionJoin          = "join"
	actionVote          = "vote"
	actionReveal        = "reveal"
	actionReset         = "reset"
	actionSetValidSizes = "setValidSizes"
	actionLeave         = "leave"
	actionPing          = "ping"

	// actionInvalid labels messages that never parsed far enough to name an action.
	actionInvalid = "invalid"
	actionUnknown = "unknown"
)

// action is one parsed inbound message. Every variant carries the fields its
// action needs and nothing else.
type action interface {
	name() string
	room() string
}

type subscribeAction struct {
	roomID  string
	userKey string // optional; empty mints a new user
}

type joinAction struct {
	roomID   string
	userKey  string
	username string
}

type voteAction struct {
	roomID  string
	userKey string
	vote    string
}

type revealAction struct {
	roomID  string
	hostKey string
}

type resetAction struct {
	roomID  string
	hostKey string
}

type setValidSizesAction struct {
	roomID  string
	hostKey string
	sizes   []string
}

type leaveAction struct {
	roomID  string
	userKey string
}

type pingAction struct {
	roomID  string
	userKey string // optional
}

// unknownAction is kept as a variant so the room lookup still runs before the
// action name is rejected.
type unknownAction struct {
	roomID string
	action string
}

func (a subscribeAction) name() string     { return actionSubscribe }
func (a joinAction) name() string          { return actionJoin }
func (a voteAction) name() string          { return actionVote }
func (a revealAction) name() string        { return actionReveal }
func (a resetAction) name() string         { return actionReset }
func (a setValidSizesAction) name() string { return actionSetValidSizes }
func (a leaveAction) name() string         { return actionLeave }
func (a pingAction) name() string          { return actionPing }
func (a unknownAction) name() string       { return actionUnknown }

func (a subscribeAction) room() string     { return a.roomID }
func (a joinAction) room() string          { return a.roomID }
func (a voteAction) room() string          { return a.roomID }
func (a revealAction) room() string        { return a.roomID }
func (a resetAction) room() string         { return a.roomID }
func (a setValidSizesAction) room() string { return a.roomID }
func (a leaveAction) room() string         { return a.roomID }
func (a pingAction) room() string          { return a.roomID }
func (a unknownAction) room() string       { return a.roomID }

type envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type actionData struct {
	RoomID   string    `json:"roomId"`
	UserKey  string    `json:"userKey"`
	HostKey  string    `json:"hostKey"`
	Username *string   `json:"username"`
	Vote     *string   `json:"vote"`
	NewSizes *sizeList `json:"newSizes"`
}

// sizeList accepts a space-delimited string or an array of strings.
type sizeList []string

func (l *sizeList) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err == nil {
		*l = domain.ParseSizes(raw)
		return nil
	}
	var sizes []string
	if err := json.Unmarshal(b, &sizes); err != nil {
		return err
	}
	*l = domain.NormalizeSizes(sizes)
	return nil
}

// parseAction decodes a text frame into an action variant. It checks shape
// only; anything that depends on stored state is left to the dispatcher.
func parseAction(body []byte) (action, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, apperrors.ClientError("Missing body")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.ClientError("Missing body")
	}
	if env.Action == "" {
		return nil, apperrors.ClientError("Missing action")
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, apperrors.ClientError("Missing data")
	}

	var data actionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperrors.ClientError("Invalid data")
	}
	if data.RoomID == "" {
		return nil, apperrors.ClientError("Missing roomId")
	}

	switch env.Action {
	case actionSubscribe:
		return subscribeAction{roomID: data.RoomID, userKey: data.UserKey}, nil
	case actionJoin:
		if data.UserKey == "" {
			return nil, apperrors.ClientError("Missing userKey")
		}
		if data.Username == nil {
			return nil, apperrors.ClientError("Missing username")
		}
		return joinAction{roomID: data.RoomID, userKey: data.UserKey, username: strings.TrimSpace(*data.Username)}, nil
	case actionVote:
		if data.UserKey == "" {
			return nil, apperrors.ClientError("Missing userKey")
		}
		if data.Vote == nil {
			return nil, apperrors.ClientError("Missing vote")
		}
		return voteAction{roomID: data.RoomID, userKey: data.UserKey, vote: *data.Vote}, nil
	case actionReveal:
		return revealAction{roomID: data.RoomID, hostKey: data.HostKey}, nil
	case actionReset:
		return resetAction{roomID: data.RoomID, hostKey: data.HostKey}, nil
	case actionSetValidSizes:
		if data.NewSizes == nil {
			return nil, apperrors.ClientError("Missing newSizes")
		}
		return setValidSizesAction{roomID: data.RoomID, hostKey: data.HostKey, sizes: []string(*data.NewSizes)}, nil
	case actionLeave:
		if data.UserKey == "" {
			return nil, apperrors.ClientError("Missing userKey")
		}
		return leaveAction{roomID: data.RoomID, userKey: data.UserKey}, nil
	case actionPing:
		return pingAction{roomID: data.RoomID, userKey: data.UserKey}, nil
	default:
		return unknownAction{roomID: data.RoomID, action: env.Action}, nil
	}
}
