package diagnostics

import (
	"context"

	"diagd/internal/export"
)

// Strings holds the user-facing texts of one channel.
type Strings struct {
	ShareAction       string
	SaveAction        string
	ShareTitle        string
	Unavailable       string
	ExportSuccess     string
	ExportSavedLegacy string
	ExportFailed      string
}

// Merge returns s with empty fields taken from def.
func (s Strings) Merge(def Strings) Strings {
	pick := func(v, d string) string {
		if v != "" {
			return v
		}
		return d
	}
	return Strings{
		ShareAction:       pick(s.ShareAction, def.ShareAction),
		SaveAction:        pick(s.SaveAction, def.SaveAction),
		ShareTitle:        pick(s.ShareTitle, def.ShareTitle),
		Unavailable:       pick(s.Unavailable, def.Unavailable),
		ExportSuccess:     pick(s.ExportSuccess, def.ExportSuccess),
		ExportSavedLegacy: pick(s.ExportSavedLegacy, def.ExportSavedLegacy),
		ExportFailed:      pick(s.ExportFailed, def.ExportFailed),
	}
}

// NoticeAction is a button on a notice that routes back to a channel.
type NoticeAction struct {
	Action Action
	Stream Stream
	Label  string
}

// Key encodes the action as ACTION:STREAM.
func (a NoticeAction) Key() string {
	return a.Action.String() + ":" + a.Stream.String()
}

// Notice is an error notification with share and save actions.
type Notice struct {
	Title   string
	Summary string
	Body    string
	Actions []NoticeAction
}

// Notifier shows transient messages and notices to the user.
type Notifier interface {
	Toast(ctx context.Context, message string) error
	Notify(ctx context.Context, n Notice) error
}

// Sharer offers an exported file to the user's share targets.
type Sharer interface {
	Share(ctx context.Context, h export.Handle, title string) error
}

type nopNotifier struct{}

func (nopNotifier) Toast(context.Context, string) error { return nil }
func (nopNotifier) Notify(context.Context, Notice) error { return nil }

const (
	summaryRunes = 120
	bodyRunes    = 500
)

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
