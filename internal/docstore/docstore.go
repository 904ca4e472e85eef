// Package docstore defines the per-unit session document store the sync layer
// writes to and listens on, plus an in-memory implementation.
package docstore

import (
	"context"
	"errors"
	"sort"

	"cashcount/api/internal/counting"
)

var (
	ErrDuplicateDate = errors.New("a session already exists for this date")
	ErrRejected      = errors.New("write rejected by store")
)

// Snapshot is the full current set of sessions of one unit. Receivers
// replace their state with it; snapshots are never incremental.
type Snapshot struct {
	UnitID   string
	Sessions []counting.Session
}

// FeedMessage is one frame of the session feed WebSocket. Every frame carries
// the unit's full session set.
type FeedMessage struct {
	Type     string             `json:"type"`
	UnitID   string             `json:"unitId"`
	Sessions []counting.Session `json:"sessions"`
}

const FeedSnapshot = "snapshot"

// Remote is the document store as seen by a client.
type Remote interface {
	// MergeSession writes the full session document, creating it if absent.
	MergeSession(ctx context.Context, unitID string, s counting.Session) error
	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, unitID, sessionID string) error
	// Listen streams snapshots of the unit until ctx is done, starting with
	// the current state. The channel is closed when the subscription ends.
	Listen(ctx context.Context, unitID string) (<-chan Snapshot, error)
}

// SortByDateDesc orders sessions newest first, ties broken by id.
func SortByDateDesc(sessions []counting.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].Date != sessions[j].Date {
			return sessions[i].Date > sessions[j].Date
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// Offer delivers snap on a one-slot channel, replacing any snapshot the
// receiver has not picked up yet.
func Offer(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
