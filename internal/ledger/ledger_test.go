package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enquirychat/internal/model"
	"enquirychat/internal/store"
)

func setup(t *testing.T) (*Ledger, *model.Channel) {
	t.Helper()
	s, err := store.OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ch, _, err := s.CreateChannel(context.Background(), &model.Channel{
		SubjectID: "ENQ-1", Kind: model.StaffClient, Participants: []string{"admin1", "client1"},
	})
	require.NoError(t, err)
	return New(s, 3, 5), ch
}

func str(s string) *string { return &s }

func TestAppend_Validation(t *testing.T) {
	l, ch := setup(t)
	ctx := context.Background()

	cases := map[string]AppendInput{
		"no body or media": {ChannelID: ch.ID, SenderID: "admin1"},
		"blank body":       {ChannelID: ch.ID, SenderID: "admin1", Body: str("   ")},
		"unknown kind":     {ChannelID: ch.ID, SenderID: "admin1", Body: str("x"), Kind: "sticker"},
		"text needs body":  {ChannelID: ch.ID, SenderID: "admin1", Attachment: &model.Attachment{Key: "k"}},
		"missing parent":   {ChannelID: ch.ID, SenderID: "admin1", Body: str("x"), ParentID: "nope"},
		"missing sender":   {ChannelID: ch.ID, Body: str("x")},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Append(ctx, in)
			assert.ErrorIs(t, err, model.ErrInvalid)
		})
	}
}

func TestAppend_AttachmentOnly(t *testing.T) {
	l, ch := setup(t)

	msg, err := l.Append(context.Background(), AppendInput{
		ChannelID:  ch.ID,
		SenderID:   "client1",
		Kind:       "image",
		Attachment: &model.Attachment{Key: "1700000000000-photo.jpg", Name: "photo.jpg", Size: 1024, URL: "https://example.test/photo.jpg"},
	})
	require.NoError(t, err)
	assert.Nil(t, msg.Body)
	assert.Equal(t, model.KindImage, msg.Kind)
	assert.Equal(t, "📷 Photo", msg.Preview())
	assert.Empty(t, msg.ReadBy)
}

func TestPageBefore_OrderAndCursor(t *testing.T) {
	l, ch := setup(t)
	ctx := context.Background()

	var sent []*model.Message
	for i := 0; i < 7; i++ {
		m, err := l.Append(ctx, AppendInput{ChannelID: ch.ID, SenderID: "admin1", Body: str("m")})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	// limit above the hard maximum is clamped to 5
	first, err := l.PageBefore(ctx, ch.ID, nil, 50)
	require.NoError(t, err)
	require.Len(t, first.Messages, 5)
	for i := 1; i < len(first.Messages); i++ {
		assert.True(t, first.Messages[i-1].CreatedAt.Before(first.Messages[i].CreatedAt))
	}
	assert.Equal(t, sent[6].ID, first.Messages[4].ID)
	require.NotNil(t, first.NextCursor)

	second, err := l.PageBefore(ctx, ch.ID, first.NextCursor, 5)
	require.NoError(t, err)
	require.Len(t, second.Messages, 2)
	assert.Equal(t, sent[0].ID, second.Messages[0].ID)
	assert.Equal(t, sent[1].ID, second.Messages[1].ID)
	assert.Nil(t, second.NextCursor)

	seen := map[string]bool{}
	for _, m := range append(first.Messages, second.Messages...) {
		assert.False(t, seen[m.ID], "pages overlap on %s", m.ID)
		seen[m.ID] = true
		assert.True(t, m.CreatedAt.Before(time.Now().Add(time.Second)))
	}

	// zero limit falls back to the default of 3
	def, err := l.PageBefore(ctx, ch.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, def.Messages, 3)
}

func TestPageBefore_ResolvesReplies(t *testing.T) {
	l, ch := setup(t)
	ctx := context.Background()

	parent, err := l.Append(ctx, AppendInput{ChannelID: ch.ID, SenderID: "client1", Body: str("Can it be oak?")})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, AppendInput{ChannelID: ch.ID, SenderID: "admin1", Body: str("filler")})
		require.NoError(t, err)
	}
	reply, err := l.Append(ctx, AppendInput{ChannelID: ch.ID, SenderID: "admin1", Body: str("Yes"), ParentID: parent.ID})
	require.NoError(t, err)

	// the parent is outside the page and must still resolve
	page, err := l.PageBefore(ctx, ch.ID, nil, 2)
	require.NoError(t, err)
	last := page.Messages[len(page.Messages)-1]
	require.Equal(t, reply.ID, last.ID)
	require.NotNil(t, last.ReplyTo)
	assert.Equal(t, parent.ID, last.ReplyTo.ID)
	assert.Equal(t, "client1", last.ReplyTo.SenderID)
	assert.Equal(t, "Can it be oak?", *last.ReplyTo.Body)
}

func TestEditAndSoftDelete(t *testing.T) {
	l, ch := setup(t)
	ctx := context.Background()

	msg, err := l.Append(ctx, AppendInput{ChannelID: ch.ID, SenderID: "admin1", Body: str("helo")})
	require.NoError(t, err)

	_, err = l.Edit(ctx, msg.ID, "client1", "hijack")
	assert.ErrorIs(t, err, model.ErrForbidden)

	edited, err := l.Edit(ctx, msg.ID, "admin1", "hello")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "hello", edited.Text())
	require.NotNil(t, edited.UpdatedAt)

	_, err = l.SoftDelete(ctx, msg.ID, "client1")
	assert.ErrorIs(t, err, model.ErrForbidden)

	deleted, err := l.SoftDelete(ctx, msg.ID, "admin1")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	again, err := l.SoftDelete(ctx, msg.ID, "admin1")
	require.NoError(t, err)
	assert.True(t, again.Deleted)

	_, err = l.Edit(ctx, msg.ID, "admin1", "too late")
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteAllForChannel(t *testing.T) {
	l, ch := setup(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Append(ctx, AppendInput{ChannelID: ch.ID, SenderID: "admin1", Body: str("x")})
		require.NoError(t, err)
	}
	n, err := l.DeleteAllForChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := l.PageBefore(ctx, ch.ID, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Nil(t, page.NextCursor)
}
