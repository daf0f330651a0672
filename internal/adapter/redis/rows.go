package redis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skill-collectors/guesstimator/internal/domain"
)

const (
	roomKeyPrefix = "room:"
	roomKeyMatch  = roomKeyPrefix + "*"

	// timeLayout is fixed width so stored timestamps compare lexically.
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Row attribute names, shared by the Go encoding and the Lua patches.
const (
	attrValidSizes   = "validSizes"
	attrIsRevealed   = "isRevealed"
	attrUsername     = "username"
	attrVote         = "vote"
	attrConnectionID = "connectionId"
)

type roomRow struct {
	HostKey    string `json:"hostKey"`
	ValidSizes string `json:"validSizes"`
	IsRevealed bool   `json:"isRevealed"`
	CreatedOn  string `json:"createdOn"`
	UpdatedOn  string `json:"updatedOn"`
}

type userRow struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Vote         string `json:"vote"`
	ConnectionID string `json:"connectionId,omitempty"`
	CreatedOn    string `json:"createdOn"`
	UpdatedOn    string `json:"updatedOn"`
}

// rowPatch is a write record built from scratch for one row. Read rows are
// never modified and resubmitted.
type rowPatch struct {
	field  string
	set    map[string]any
	remove []string
}

func roomKey(roomID string) string {
	return roomKeyPrefix + "{" + roomID + "}"
}

func roomIDFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, roomKeyPrefix+"{")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, "}")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeRoom(roomID, raw string) (*domain.Room, error) {
	var row roomRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &domain.Room{
		RoomID:     roomID,
		HostKey:    row.HostKey,
		ValidSizes: domain.ParseSizes(row.ValidSizes),
		IsRevealed: row.IsRevealed,
		CreatedOn:  parseTime(row.CreatedOn),
		UpdatedOn:  parseTime(row.UpdatedOn),
	}, nil
}

func decodeUser(userKey, raw string) (*domain.User, error) {
	var row userRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userKey, err)
	}
	return &domain.User{
		UserKey:      userKey,
		UserID:       row.UserID,
		Username:     row.Username,
		Vote:         row.Vote,
		ConnectionID: row.ConnectionID,
		CreatedOn:    parseTime(row.CreatedOn),
		UpdatedOn:    parseTime(row.UpdatedOn),
	}, nil
}

// decodeAggregate builds an aggregate from the fields of a room hash.
func decodeAggregate(roomID string, fields map[string]string) (*domain.RoomAggregate, error) {
	rawRoom, ok := fields[domain.RoomSortKey]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	room, err := decodeRoom(roomID, rawRoom)
	if err != nil {
		return nil, err
	}

	agg := &domain.RoomAggregate{Room: *room}
	for field, raw := range fields {
		userKey, ok := domain.UserKeyFromSortKey(field)
		if !ok {
			continue
		}
		user, err := decodeUser(userKey, raw)
		if err != nil {
			return nil, err
		}
		agg.Users = append(agg.Users, *user)
	}
	return agg, nil
}
