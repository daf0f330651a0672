package domain

import (
	"slices"
	"strings"
	"time"
)

const (
	// RoomSortKey is the sort key of the single Room row in a room partition.
	RoomSortKey = "ROOM"
	// UserSortKeyPrefix prefixes the sort key of every User row.
	UserSortKeyPrefix = "USER:"

	MaxUsernameLength = 30
	MaxSizeLength     = 10
)

// DefaultValidSizes is the estimation scale of a new room, with "?" for
// unknown and "∞" for too big to estimate.
var DefaultValidSizes = []string{"1", "2", "3", "5", "8", "13", "20", "?", "∞"}

type Room struct {
	RoomID     string
	HostKey    string
	ValidSizes []string
	IsRevealed bool
	CreatedOn  time.Time
	UpdatedOn  time.Time
}

// AcceptsVote reports whether vote may be stored. The empty vote clears.
func (r *Room) AcceptsVote(vote string) bool {
	return vote == "" || slices.Contains(r.ValidSizes, vote)
}

type User struct {
	UserKey      string
	UserID       string
	Username     string
	Vote         string
	ConnectionID string
	CreatedOn    time.Time
	UpdatedOn    time.Time
}

func (u *User) HasVote() bool {
	return u.Vote != ""
}

func (u *User) IsConnected() bool {
	return u.ConnectionID != ""
}

// RoomAggregate is a Room row together with all of its User rows.
type RoomAggregate struct {
	Room  Room
	Users []User
}

// UserByConnection returns the user bound to connectionID.
func (a *RoomAggregate) UserByConnection(connectionID string) (*User, bool) {
	for i := range a.Users {
		if a.Users[i].ConnectionID == connectionID {
			return &a.Users[i], true
		}
	}
	return nil, false
}

// Connected returns the users that currently have a live connection binding.
func (a *RoomAggregate) Connected() []User {
	var out []User
	for _, u := range a.Users {
		if u.IsConnected() {
			out = append(out, u)
		}
	}
	return out
}

// RoomCredentials is returned once, to the creator of a room.
type RoomCredentials struct {
	RoomID  string `json:"roomId"`
	HostKey string `json:"hostKey"`
}

// Subscription identifies the user bound by a subscribe.
type Subscription struct {
	UserKey string `json:"userKey"`
	UserID  string `json:"userId"`
}

func UserSortKey(userKey string) string {
	return UserSortKeyPrefix + userKey
}

// UserKeyFromSortKey returns the userKey of a User sort key.
func UserKeyFromSortKey(sortKey string) (string, bool) {
	return strings.CutPrefix(sortKey, UserSortKeyPrefix)
}

// ParseSizes splits a space-delimited size list, dropping duplicates while
// keeping the first occurrence.
func ParseSizes(raw string) []string {
	return NormalizeSizes(strings.Fields(raw))
}

// NormalizeSizes trims sizes, drops empty entries and duplicates.
func NormalizeSizes(sizes []string) []string {
	out := make([]string, 0, len(sizes))
	for _, s := range sizes {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// FormatSizes is the stored form of a size list.
func FormatSizes(sizes []string) string {
	return strings.Join(sizes, " ")
}
