package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWrite(t *testing.T) {
	m := New()

	m.RecordWrite("WHISPER", 1, false)
	m.RecordWrite("WHISPER", 500, true)
	m.RecordWrite("THEME", 3, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChannelWrites.WithLabelValues("WHISPER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelEvicted.WithLabelValues("WHISPER")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.BufferedLines.WithLabelValues("WHISPER")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BufferedLines.WithLabelValues("THEME")))
}

func TestRecordExport(t *testing.T) {
	m := New()

	m.RecordExport("THEME", "managed", 10*time.Millisecond, nil)
	m.RecordExport("THEME", "legacy", time.Millisecond, errors.New("no dir"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExportsTotal.WithLabelValues("THEME", "managed", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExportsTotal.WithLabelValues("THEME", "legacy", "failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ExportDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetVersion("dev")
		m.RecordWrite("WHISPER", 1, true)
		m.RecordMirrorFailure("WHISPER")
		m.RecordExport("WHISPER", "managed", time.Second, nil)
		m.RecordAction("SHARE", "WHISPER")
		m.RecordIPC("ping", nil)
		m.RecordNotification("toast", nil)
		m.RecordConfigReload()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetVersion("1.2.3")
	m.RecordMirrorFailure("THEME")
	m.RecordIPC("write_log", nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `diagd_channel_mirror_failures_total{stream="THEME"} 1`), text)
	assert.True(t, strings.Contains(text, `diagd_build_info{version="1.2.3"} 1`))
	assert.True(t, strings.Contains(text, `diagd_ipc_requests_total{result="success",type="write_log"} 1`))
	assert.True(t, strings.Contains(text, "diagd_uptime_seconds"))
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
