package diagnostics

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"diagd/internal/export"
	"diagd/internal/logging"
	"diagd/internal/metrics"
)

// DefaultCapacity is the number of records a channel buffer holds.
const DefaultCapacity = 500

// Lines written to a channel by its own share and save operations.
const (
	msgShareUnavailable = "Share logs requested but no log file available"
	msgShareRequested   = "Share logs requested"
	msgSaveFailed       = "Save logs requested but export failed"
	msgExported         = "Logs exported"
)

// lineBreaks keeps a record on one mirror line.
var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`)

// Record is one buffered log entry. Text is already masked and holds no
// line breaks.
type Record struct {
	Time time.Time
	Text string
}

// Line formats the record the way it appears in the mirror file.
func (r Record) Line() string {
	return "[" + r.Time.Format("15:04:05.000") + "] " + r.Text
}

// Exporter produces a locatable copy of a Source.
type Exporter interface {
	Export(ctx context.Context, src export.Source) (export.Handle, error)
}

// ChannelConfig describes one channel.
type ChannelConfig struct {
	Tag      string
	Prefix   string
	Capacity int
	Mask     MaskFunc
	Strings  Strings
}

// Channel is a bounded in-memory log with an append-only mirror file.
type Channel struct {
	stream     Stream
	tag        string
	prefix     string
	mirrorPath string
	mask       MaskFunc
	strings    Strings

	exporter Exporter
	notifier Notifier
	sharer   Sharer
	logger   *logging.Logger
	audit    *logging.AuditLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	ring []Record
	head int
	size int
}

func newChannel(stream Stream, cfg ChannelConfig, opts *Options) *Channel {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	mask := cfg.Mask
	if mask == nil {
		mask = Identity
	}

	return &Channel{
		stream:     stream,
		tag:        cfg.Tag,
		prefix:     cfg.Prefix,
		mirrorPath: filepath.Join(opts.CacheDir, cfg.Prefix+"-current.log"),
		mask:       mask,
		strings:    cfg.Strings,
		exporter:   opts.Exporter,
		notifier:   opts.Notifier,
		sharer:     opts.Sharer,
		logger:     opts.Logger.WithComponent("diagnostics").With("tag", cfg.Tag),
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		now:        opts.Now,
		ring:       make([]Record, capacity),
	}
}

// Stream returns the channel's stream.
func (c *Channel) Stream() Stream { return c.stream }

// Tag returns the channel's log tag.
func (c *Channel) Tag() string { return c.tag }

// Prefix returns the file name prefix of the mirror and exports.
func (c *Channel) Prefix() string { return c.prefix }

// MirrorPath returns the location of the mirror file.
func (c *Channel) MirrorPath() string { return c.mirrorPath }

// Capacity returns the maximum number of buffered records.
func (c *Channel) Capacity() int { return len(c.ring) }

// Strings returns the channel's user-facing texts.
func (c *Channel) Strings() Strings { return c.strings }

// Write records message. It never fails: the buffer always accepts the
// record and mirror failures are counted and dropped. Line breaks are
// escaped as \n and \r.
func (c *Channel) Write(message string) {
	rec := Record{Time: c.now(), Text: lineBreaks.Replace(c.mask(message))}
	line := rec.Line()

	c.mu.Lock()
	evicted := c.push(rec)
	buffered := c.size
	c.mu.Unlock()

	c.metrics.RecordWrite(c.stream.String(), buffered, evicted)
	c.logger.Debug(line)
	c.appendMirror(line).discard(c)
}

// push inserts rec, evicting the oldest record when full. Caller holds mu.
func (c *Channel) push(rec Record) (evicted bool) {
	capacity := len(c.ring)
	if c.size < capacity {
		c.ring[(c.head+c.size)%capacity] = rec
		c.size++
		return false
	}
	c.ring[c.head] = rec
	c.head = (c.head + 1) % capacity
	return true
}

// MaskForDisplay applies the channel's mask without recording anything.
func (c *Channel) MaskForDisplay(text string) string {
	return c.mask(text)
}

// Records returns a copy of the buffer, oldest first.
func (c *Channel) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, c.size)
	for i := 0; i < c.size; i++ {
		out[i] = c.ring[(c.head+i)%len(c.ring)]
	}
	return out
}

// Lines returns the buffered records formatted as mirror lines, oldest first.
func (c *Channel) Lines() []string {
	recs := c.Records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Line()
	}
	return out
}

// Len returns the number of buffered records.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Source returns the mirror file as an export source.
func (c *Channel) Source() export.Source {
	return export.FileSource{Path: c.mirrorPath, Name: c.prefix}
}

// Export copies the mirror file to a locatable destination. On failure the
// handle is zero and err is non-nil.
func (c *Channel) Export(ctx context.Context) (export.Handle, error) {
	start := time.Now()
	var (
		h   export.Handle
		err = export.ErrNoStrategy
	)
	if c.exporter != nil {
		h, err = c.exporter.Export(ctx, c.Source())
	}
	if err != nil {
		h = export.Handle{}
	}

	c.metrics.RecordExport(c.stream.String(), h.Kind.String(), time.Since(start), err)
	if auditErr := c.audit.LogExport(ctx, c.stream.String(), h.Kind.String(), h.URI, err); auditErr != nil {
		c.logger.Warn("audit export", "error", auditErr)
	}
	if err != nil {
		c.logger.Info("export failed", "error", err)
	} else {
		c.logger.Info("exported", "name", h.Name, "kind", h.Kind.String())
	}
	return h, err
}

// Share exports the logs and offers the result to the sharer. A share
// target failing to open does not change the returned export result.
func (c *Channel) Share(ctx context.Context) (export.Handle, error) {
	h, err := c.Export(ctx)
	if err != nil {
		c.Write(msgShareUnavailable)
		c.toast(ctx, c.strings.Unavailable)
		c.auditShare(ctx, "", err)
		return export.Handle{}, err
	}

	c.Write(msgShareRequested)
	if c.sharer != nil {
		if serr := c.sharer.Share(ctx, h, c.strings.ShareTitle); serr != nil {
			c.logger.Warn("share target failed", "uri", h.URI, "error", serr)
		}
	}
	c.auditShare(ctx, h.URI, nil)
	return h, nil
}

// Save exports the logs and tells the user where they went.
func (c *Channel) Save(ctx context.Context) (export.Handle, error) {
	h, err := c.Export(ctx)
	if err != nil {
		c.Write(msgSaveFailed)
		c.toast(ctx, c.strings.ExportFailed)
		c.auditSave(ctx, "", err)
		return export.Handle{}, err
	}

	c.Write(msgExported)
	if h.Kind == export.KindManaged {
		c.toast(ctx, c.strings.ExportSuccess)
	} else {
		c.toast(ctx, c.strings.ExportSavedLegacy)
	}
	c.auditSave(ctx, h.URI, nil)
	return h, nil
}

func (c *Channel) toast(ctx context.Context, msg string) {
	if msg == "" {
		return
	}
	err := c.notifier.Toast(ctx, msg)
	c.metrics.RecordNotification("toast", err)
	if err != nil {
		c.logger.Debug("toast failed", "error", err)
	}
}

func (c *Channel) auditShare(ctx context.Context, uri string, err error) {
	if aerr := c.audit.LogShare(ctx, c.stream.String(), uri, err); aerr != nil {
		c.logger.Warn("audit share", "error", aerr)
	}
}

func (c *Channel) auditSave(ctx context.Context, uri string, err error) {
	if aerr := c.audit.LogSave(ctx, c.stream.String(), uri, err); aerr != nil {
		c.logger.Warn("audit save", "error", aerr)
	}
}
