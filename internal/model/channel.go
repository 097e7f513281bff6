package model

import (
	"fmt"
	"strings"
	"time"
)

// ChannelKind identifies which parties a channel connects
type ChannelKind string

const (
	StaffClient    ChannelKind = "staff-client"
	StaffFulfiller ChannelKind = "staff-fulfiller"
)

// ParseChannelKind accepts the canonical kinds and the legacy
// admin-client / admin-designer names.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(StaffClient), "admin-client":
		return StaffClient, nil
	case string(StaffFulfiller), "admin-designer":
		return StaffFulfiller, nil
	default:
		return "", fmt.Errorf("unknown chat type %q", s)
	}
}

// LastRead is the channel-level "last seen" marker of one user
type LastRead struct {
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt"`
}

// Channel is a persistent conversation about one subject
type Channel struct {
	ID            string      `json:"id"`
	SubjectID     string      `json:"subjectId"`
	SubjectName   string      `json:"subjectName"`
	Kind          ChannelKind `json:"type"`
	Participants  []string    `json:"participants"`
	LastMessageID string      `json:"lastMessageId,omitempty"`
	LastRead      []LastRead  `json:"lastRead,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// HasParticipant reports whether user belongs to the channel
func (c *Channel) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// LastReadAt returns the user's channel-level last read time
func (c *Channel) LastReadAt(userID string) (time.Time, bool) {
	for _, lr := range c.LastRead {
		if lr.UserID == userID {
			return lr.LastReadAt, true
		}
	}
	return time.Time{}, false
}

// Others returns the participants other than userID
func (c *Channel) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// UniqueUsers trims, drops empties and deduplicates ids keeping order
func UniqueUsers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
