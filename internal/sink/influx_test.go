package sink

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/prompt-optimizer/internal/dashboard"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	query []string
}

func (l *lineRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	l.mu.Lock()
	l.query = append(l.query, r.URL.RawQuery)
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line != "" {
			l.lines = append(l.lines, line)
		}
	}
	l.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (l *lineRecorder) snapshot() ([]string, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...), append([]string(nil), l.query...)
}

func TestToPoint(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := toPoint("m", dashboard.MetricPoint{
		Name:      "cost",
		Kind:      dashboard.KindCost,
		Value:     1.5,
		Tags:      map[string]string{dashboard.TagVariant: "terse", "empty": ""},
		Timestamp: ts,
	})

	assert.Equal(t, "m", p.Name())
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"name": "cost", "kind": "cost", "variant": "terse"}, tags)
	require.Len(t, p.FieldList(), 1)
	assert.Equal(t, "value", p.FieldList()[0].Key)
	assert.Equal(t, 1.5, p.FieldList()[0].Value)
	assert.Equal(t, ts, p.Time())
}

func TestInfluxWritesPoints(t *testing.T) {
	rec := &lineRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := NewInflux(Config{URL: srv.URL, Token: "token", Org: "acme", Bucket: "experiments", BatchSize: 100})
	d := dashboard.New(dashboard.WithSink(s))

	d.AddMetricPoint("cost", dashboard.KindCost, 150, map[string]string{dashboard.TagExperiment: "exp-1"})
	d.AddMetricPoint("quality_score", dashboard.KindQuality, 0.8, nil)
	s.Close()

	require.Eventually(t, func() bool {
		lines, _ := rec.snapshot()
		return len(lines) == 2
	}, 5*time.Second, 10*time.Millisecond)

	lines, query := rec.snapshot()
	assert.True(t, strings.HasPrefix(lines[0], "prompt_optimizer,experiment_id=exp-1,kind=cost,name=cost value="), lines[0])
	assert.Contains(t, lines[0], "value=150")
	assert.True(t, strings.HasPrefix(lines[1], "prompt_optimizer,kind=quality,name=quality_score value="), lines[1])
	assert.Contains(t, lines[1], "value=0.8")
	assert.Contains(t, query[0], "bucket=experiments")
	assert.Contains(t, query[0], "org=acme")

	assert.NotPanics(t, s.Close)
}
