// Package diagnostics implements diagd's log channels: bounded in-memory
// buffers mirrored to disk, redacted before display and exported on
// request, plus the registry and router that reach them.
package diagnostics

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"diagd/internal/logging"
	"diagd/internal/metrics"
)

// Options configures a Center.
type Options struct {
	// CacheDir holds the {prefix}-current.log mirror files.
	CacheDir string

	// Channels overrides the per-stream defaults. Missing streams use
	// DefaultChannelConfig.
	Channels map[Stream]ChannelConfig

	Exporter Exporter
	Notifier Notifier
	Sharer   Sharer
	Logger   *logging.Logger
	Audit    *logging.AuditLogger
	Metrics  *metrics.Metrics

	// Now is the clock used for record timestamps.
	Now func() time.Time
}

// DefaultChannelConfig returns the built-in settings for a stream.
func DefaultChannelConfig(s Stream) ChannelConfig {
	switch s {
	case Theme:
		return ChannelConfig{
			Tag:      "ThemeDiag",
			Prefix:   "theme",
			Capacity: DefaultCapacity,
			Mask:     Identity,
			Strings:  DefaultStrings(Theme),
		}
	default:
		return ChannelConfig{
			Tag:      "Whisper",
			Prefix:   "whisper",
			Capacity: DefaultCapacity,
			Mask:     MaskSecrets,
			Strings:  DefaultStrings(Whisper),
		}
	}
}

// DefaultStrings returns the built-in English texts for a stream.
func DefaultStrings(s Stream) Strings {
	switch s {
	case Theme:
		return Strings{
			ShareAction:       "Share theme logs",
			SaveAction:        "Save logs",
			ShareTitle:        "Share theme diagnostics",
			Unavailable:       "No theme logs available yet",
			ExportSuccess:     "Theme logs saved to Downloads",
			ExportSavedLegacy: "Theme logs saved",
			ExportFailed:      "Could not export theme logs",
		}
	default:
		return Strings{
			ShareAction:       "Share Whisper logs",
			SaveAction:        "Save logs",
			ShareTitle:        "Share Whisper diagnostics",
			Unavailable:       "No Whisper logs available yet",
			ExportSuccess:     "Whisper logs saved to Downloads",
			ExportSavedLegacy: "Whisper logs saved",
			ExportFailed:      "Could not export Whisper logs",
		}
	}
}

// Center owns one lazily created Channel per Stream. It is safe for
// concurrent use and channels are never removed.
type Center struct {
	opts Options

	once     [numStreams]sync.Once
	channels [numStreams]atomic.Pointer[Channel]
}

// NewCenter returns a Center. No channel exists until first requested.
func NewCenter(opts Options) *Center {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheDir == "" {
		opts.CacheDir = os.TempDir()
	}
	return &Center{opts: opts}
}

// Channel returns the channel for s, creating it on first use. An
// undeclared stream maps to DefaultStream.
func (c *Center) Channel(s Stream) *Channel {
	if !s.Valid() {
		s = DefaultStream
	}
	c.once[s].Do(func() {
		cfg, ok := c.opts.Channels[s]
		if !ok {
			cfg = DefaultChannelConfig(s)
		}
		def := DefaultChannelConfig(s)
		if cfg.Tag == "" {
			cfg.Tag = def.Tag
		}
		if cfg.Prefix == "" {
			cfg.Prefix = def.Prefix
		}
		cfg.Strings = cfg.Strings.Merge(def.Strings)
		c.channels[s].Store(newChannel(s, cfg, &c.opts))
	})
	return c.channels[s].Load()
}

// Lookup resolves a stream name, falling back to DefaultStream.
func (c *Center) Lookup(name string) *Channel {
	s, _ := ParseStream(name)
	return c.Channel(s)
}

// ChannelStatus describes one stream for status reports.
type ChannelStatus struct {
	Stream      string `json:"stream"`
	Active      bool   `json:"active"`
	Buffered    int    `json:"buffered"`
	Capacity    int    `json:"capacity"`
	MirrorPath  string `json:"mirror_path,omitempty"`
	MirrorBytes int64  `json:"mirror_bytes"`
}

// Status reports every stream without creating inactive channels.
func (c *Center) Status() []ChannelStatus {
	out := make([]ChannelStatus, 0, numStreams)
	for _, s := range Streams() {
		st := ChannelStatus{Stream: s.String()}
		if ch := c.channels[s].Load(); ch != nil {
			st.Active = true
			st.Buffered = ch.Len()
			st.Capacity = ch.Capacity()
			st.MirrorPath = ch.MirrorPath()
			if info, err := os.Stat(ch.MirrorPath()); err == nil {
				st.MirrorBytes = info.Size()
			}
		}
		out = append(out, st)
	}
	return out
}

// ShowError masks text with the Whisper channel and raises a notice
// offering to share or save the Whisper logs and to share the Theme logs.
func (c *Center) ShowError(ctx context.Context, title, text string) error {
	whisper := c.Channel(Whisper)
	theme := c.Channel(Theme)

	masked := whisper.MaskForDisplay(text)
	n := Notice{
		Title:   title,
		Summary: truncateRunes(masked, summaryRunes),
		Body:    truncateRunes(masked, bodyRunes),
		Actions: []NoticeAction{
			{Action: ActionShare, Stream: Whisper, Label: whisper.Strings().ShareAction},
			{Action: ActionSave, Stream: Whisper, Label: whisper.Strings().SaveAction},
			{Action: ActionShare, Stream: Theme, Label: theme.Strings().ShareAction},
		},
	}

	err := c.opts.Notifier.Notify(ctx, n)
	c.opts.Metrics.RecordNotification("notice", err)
	return err
}

// Exporter returns the exporter channels use.
func (c *Center) Exporter() Exporter {
	return c.opts.Exporter
}
