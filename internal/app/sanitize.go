package app

import (
	"cmp"
	"slices"

	"github.com/skill-collectors/guesstimator/internal/domain"
)

// VotePolicy decides whether a viewer sees their own vote before reveal.
type VotePolicy string

const (
	ShowOwnVote VotePolicy = "show"
	HideOwnVote VotePolicy = "hide"
)

// ParseVotePolicy maps a config value to a policy, defaulting to ShowOwnVote.
func ParseVotePolicy(s string) VotePolicy {
	if VotePolicy(s) == HideOwnVote {
		return HideOwnVote
	}
	return ShowOwnVote
}

// RoomView is the only shape of a room that leaves the server.
type RoomView struct {
	RoomID     string     `json:"roomId"`
	ValidSizes []string   `json:"validSizes"`
	IsRevealed bool       `json:"isRevealed"`
	Users      []UserView `json:"users"`
}

type UserView struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	HasVote  bool   `json:"hasVote"`
	Vote     string `json:"vote"`
}

// Sanitize builds the view of agg for the user holding viewerKey. An empty
// viewerKey is an anonymous viewer. agg is not modified.
func Sanitize(agg *domain.RoomAggregate, viewerKey string, policy VotePolicy) RoomView {
	view := RoomView{
		RoomID:     agg.Room.RoomID,
		ValidSizes: slices.Clone(agg.Room.ValidSizes),
		IsRevealed: agg.Room.IsRevealed,
		Users:      make([]UserView, 0, len(agg.Users)),
	}
	if view.ValidSizes == nil {
		view.ValidSizes = []string{}
	}

	for _, u := range agg.Users {
		uv := UserView{
			UserID:   u.UserID,
			Username: u.Username,
			HasVote:  u.HasVote(),
		}
		own := viewerKey != "" && u.UserKey == viewerKey
		if agg.Room.IsRevealed || (own && policy == ShowOwnVote) {
			uv.Vote = u.Vote
		}
		view.Users = append(view.Users, uv)
	}

	slices.SortFunc(view.Users, func(a, b UserView) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return view
}
