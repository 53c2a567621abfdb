package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/monitor"
	"go.uber.org/zap"
)

type fakeSnapshots struct {
	mu      sync.Mutex
	records []domain.BalanceSnapshotRecord
	err     error
}

func (f *fakeSnapshots) SnapshotsAfter(index uint64) ([]domain.BalanceSnapshotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.BalanceSnapshotRecord
	for _, r := range f.records {
		if r.Index > index {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSnapshots) add(r domain.BalanceSnapshotRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

type fakePatterns []domain.PatternEventRecord

func (f fakePatterns) EventsAfter(index uint64) ([]domain.PatternEventRecord, error) {
	var out []domain.PatternEventRecord
	for _, r := range f {
		if r.Index > index {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeHistory struct {
	days int
	err  error
}

func (f *fakeHistory) BalanceHistory(_ context.Context, walletID, currency string, days int) ([]monitor.HistoryPoint, error) {
	f.days = days
	if f.err != nil {
		return nil, f.err
	}
	s, _ := domain.NewBalanceSnapshot(walletID, currency, decimal.NewFromInt(5), time.Now(), domain.SourceManual)
	return []monitor.HistoryPoint{{Snapshot: s, Change: decimal.NewFromInt(2)}}, nil
}

func record(index uint64, balance int64) domain.BalanceSnapshotRecord {
	s, _ := domain.NewBalanceSnapshot("w1", "USDT", decimal.NewFromInt(balance), time.Date(2025, 1, 1, 0, 0, int(index), 0, time.UTC), domain.SourceAPI)
	return domain.BalanceSnapshotRecord{Index: index, Snapshot: s}
}

// readEvents reads SSE events until n data lines are seen.
func readEvents(t *testing.T, url string, header http.Header, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") || strings.HasPrefix(line, "data: ") {
			lines = append(lines, line)
		}
		if strings.HasPrefix(line, "data: ") && len(lines) >= 2*n {
			break
		}
	}
	return lines
}

func TestServer_BalanceStream(t *testing.T) {
	snapshots := &fakeSnapshots{records: []domain.BalanceSnapshotRecord{record(1, 10), record(2, 20)}}
	srv := NewServer(zap.NewNop(), ":0", snapshots, nil, nil, nil)
	srv.PollInterval = 10 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		snapshots.add(record(3, 30))
	}()

	lines := readEvents(t, ts.URL+"/balance/stream", nil, 3)
	require.Len(t, lines, 6)
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "id: 3", lines[4])

	var s domain.BalanceSnapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[5], "data: ")), &s))
	assert.True(t, decimal.NewFromInt(30).Equal(s.Balance))
}

func TestServer_PatternStreamResumes(t *testing.T) {
	events := fakePatterns{
		{Index: 1, Event: domain.PatternEvent{Kind: domain.PatternSwap, UserID: "u1"}},
		{Index: 2, Event: domain.PatternEvent{Kind: domain.PatternCardPayment, UserID: "u1"}},
	}
	srv := NewServer(zap.NewNop(), ":0", nil, events, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	lines := readEvents(t, ts.URL+"/patterns/stream", http.Header{"Last-Event-ID": {"1"}}, 1)
	require.Len(t, lines, 2)
	assert.Equal(t, "id: 2", lines[0])
	assert.Contains(t, lines[1], `"kind":"card_payment"`)
}

func TestServer_Endpoints(t *testing.T) {
	history := &fakeHistory{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) })
	srv := NewServer(zap.NewNop(), ":0", &fakeSnapshots{err: errors.New("wal closed")}, nil, history, metrics)
	h := srv.Handler()

	tests := []struct {
		name     string
		path     string
		wantCode int
		contains string
	}{
		{name: "index", path: "/", wantCode: http.StatusOK, contains: "balancewatch"},
		{name: "unknown path", path: "/nope", wantCode: http.StatusNotFound},
		{name: "health", path: "/healthz", wantCode: http.StatusOK, contains: "ok"},
		{name: "metrics", path: "/metrics", wantCode: http.StatusOK, contains: "metrics"},
		{name: "history", path: "/history?wallet=w1&currency=USDT&days=3", wantCode: http.StatusOK, contains: `"change":"2"`},
		{name: "history missing params", path: "/history?wallet=w1", wantCode: http.StatusBadRequest},
		{name: "history bad days", path: "/history?wallet=w1&currency=USDT&days=0", wantCode: http.StatusBadRequest},
		{name: "failing store", path: "/balance/stream", wantCode: http.StatusInternalServerError},
		{name: "no outbox", path: "/patterns/stream", wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
	assert.Equal(t, 3, history.days)
}
