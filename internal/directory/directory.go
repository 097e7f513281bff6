// Package directory owns channel records: one per (subject, kind), with
// their participant sets.
package directory

import (
	"context"
	"fmt"
	"math"
	"strings"

	"enquirychat/internal/logger"
	"enquirychat/internal/model"
	"enquirychat/internal/store"
)

// Page is one page of a user's channel list
type Page struct {
	Total      int
	Page       int
	Limit      int
	TotalPages int
	Rows       []*model.Channel
}

// CreateInput describes a channel to create if absent
type CreateInput struct {
	SubjectID    string
	SubjectName  string
	Kind         model.ChannelKind
	Participants []string
}

// Purger removes the messages of deleted channels
type Purger interface {
	DeleteAllForChannels(ctx context.Context, channelIDs []string) (int, error)
}

type Directory struct {
	channels    store.ChannelStore
	messages    Purger
	pageDefault int
	pageMax     int
}

func New(channels store.ChannelStore, messages Purger, pageDefault, pageMax int) *Directory {
	if pageDefault <= 0 {
		pageDefault = 10
	}
	if pageMax < pageDefault {
		pageMax = pageDefault
	}
	return &Directory{channels: channels, messages: messages, pageDefault: pageDefault, pageMax: pageMax}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalid, fmt.Sprintf(format, args...))
}

func validKind(kind model.ChannelKind) error {
	if kind != model.StaffClient && kind != model.StaffFulfiller {
		return invalid("unknown chat type %q", kind)
	}
	return nil
}

// Create returns the channel for (subject, kind), creating it when absent.
// An existing channel is returned untouched.
func (d *Directory) Create(ctx context.Context, in CreateInput) (*model.Channel, bool, error) {
	subject := strings.TrimSpace(in.SubjectID)
	if subject == "" {
		return nil, false, invalid("subject is required")
	}
	if err := validKind(in.Kind); err != nil {
		return nil, false, err
	}
	participants := model.UniqueUsers(in.Participants)
	if len(participants) == 0 {
		return nil, false, invalid("at least one participant is required")
	}
	name := strings.TrimSpace(in.SubjectName)
	if name == "" {
		name = subject
	}

	ch, created, err := d.channels.CreateChannel(ctx, &model.Channel{
		SubjectID:    subject,
		SubjectName:  name,
		Kind:         in.Kind,
		Participants: participants,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create channel: %w", err)
	}
	if created {
		logger.Info("channel_created", "channel", ch.ID, "subject", subject, "kind", in.Kind)
	}
	return ch, created, nil
}

// ReplaceParticipants swaps the whole participant set
func (d *Directory) ReplaceParticipants(ctx context.Context, subjectID string, kind model.ChannelKind, users []string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	users = model.UniqueUsers(users)
	if len(users) == 0 {
		return invalid("at least one participant is required")
	}
	if err := d.channels.ReplaceParticipants(ctx, subjectID, kind, users); err != nil {
		return fmt.Errorf("replace participants: %w", err)
	}
	logger.Info("channel_participants_replaced", "subject", subjectID, "kind", kind, "count", len(users))
	return nil
}

// AddParticipantIfAbsent is a set insert, a no-op when user is present
func (d *Directory) AddParticipantIfAbsent(ctx context.Context, subjectID string, kind model.ChannelKind, userID string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return invalid("user is required")
	}
	if err := d.channels.AddParticipant(ctx, subjectID, kind, userID); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// ListForUser returns the channels userID belongs to, latest activity first.
// page is 1-based; limit is clamped to the configured maximum.
func (d *Directory) ListForUser(ctx context.Context, userID string, page, limit int, search string) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = d.pageDefault
	}
	if limit > d.pageMax {
		limit = d.pageMax
	}

	rows, total, err := d.channels.ListChannelsForUser(ctx, store.ChannelQuery{
		UserID: userID,
		Search: search,
		Offset: offsetOf(page, limit),
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return &Page{
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
		Rows:       rows,
	}, nil
}

// offsetOf saturates instead of overflowing for absurd page numbers
func offsetOf(page, limit int) int {
	if page-1 > math.MaxInt/limit {
		return math.MaxInt
	}
	return (page - 1) * limit
}

func (d *Directory) Get(ctx context.Context, id string) (*model.Channel, error) {
	return d.channels.ChannelByID(ctx, id)
}

func (d *Directory) Find(ctx context.Context, subjectID string, kind model.ChannelKind) (*model.Channel, error) {
	return d.channels.ChannelBySubject(ctx, subjectID, kind)
}

func (d *Directory) ForSubject(ctx context.Context, subjectID string) ([]*model.Channel, error) {
	return d.channels.ChannelsBySubject(ctx, subjectID)
}

// DeleteSubject removes every channel of the subject together with its
// messages. Messages go first so a failure never leaves orphans.
func (d *Directory) DeleteSubject(ctx context.Context, subjectID string) (channels, messages int, err error) {
	list, err := d.channels.ChannelsBySubject(ctx, subjectID)
	if err != nil {
		return 0, 0, fmt.Errorf("load subject channels: %w", err)
	}
	if len(list) == 0 {
		return 0, 0, nil
	}
	ids := make([]string, 0, len(list))
	for _, ch := range list {
		ids = append(ids, ch.ID)
	}

	messages, err = d.messages.DeleteAllForChannels(ctx, ids)
	if err != nil {
		return 0, messages, fmt.Errorf("delete messages: %w", err)
	}
	channels, err = d.channels.DeleteChannels(ctx, ids)
	if err != nil {
		return channels, messages, fmt.Errorf("delete channels: %w", err)
	}
	logger.Info("subject_deleted", "subject", subjectID, "channels", channels, "messages", messages)
	return channels, messages, nil
}
