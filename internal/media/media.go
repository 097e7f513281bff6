// Package media stores message attachments and resolves them to URLs.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"enquirychat/internal/model"
)

// Object is a stored attachment
type Object struct {
	Key         string            `json:"mediaKey"`
	Name        string            `json:"mediaName"`
	Size        int64             `json:"mediaSize"`
	ContentType string            `json:"contentType"`
	Kind        model.MessageKind `json:"messageType"`
	URL         string            `json:"mediaUrl,omitempty"`
}

type Store interface {
	Put(ctx context.Context, name, contentType string, r io.Reader, size int64) (Object, error)
	URL(ctx context.Context, key string) (string, error)
}

const maxNameLen = 100

// Key builds the object key for an upload named name at t
func Key(t time.Time, name string) string {
	return fmt.Sprintf("%d-%s", t.UnixMilli(), sanitize(name))
}

// sanitize keeps letters, digits, dot, dash and underscore; everything
// else becomes an underscore.
func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := []rune(strings.TrimLeft(b.String(), "."))
	if len(out) == 0 {
		return "file"
	}
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	return string(out)
}

// KindOf maps a content type to the message kind that displays it
func KindOf(contentType string) model.MessageKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return model.KindImage
	case strings.HasPrefix(ct, "video/"):
		return model.KindVideo
	default:
		return model.KindFile
	}
}
