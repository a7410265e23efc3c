package history

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain"
)

func historyRecord(clock domain.Clock, msg string, category domain.Category, stage domain.Stage) *domain.PipelineError {
	return domain.NewPipelineError(clock, msg, domain.SeverityHigh, category, stage)
}

func TestIndexName(t *testing.T) {
	ts := time.Date(2025, 11, 30, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "pipeline-errors-2025-11", IndexName("pipeline-errors-", ts))

	// Partitioning follows UTC regardless of the record's zone.
	eastern := time.FixedZone("UTC+13", 13*3600)
	ts = time.Date(2025, 12, 1, 6, 0, 0, 0, eastern) // 2025-11-30 17:00 UTC
	assert.Equal(t, "pipeline-errors-2025-11", IndexName("pipeline-errors-", ts))
}

func TestMemoryStoreIndexAndSearch(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clock)
	ctx := context.Background()

	first := historyRecord(clock, "ModuleNotFoundError: No module named 'requests'", domain.CategoryDependency, domain.StageBuild)
	clock.Advance(time.Hour)
	second := historyRecord(clock, "Connection refused to db:5432", domain.CategoryNetwork, domain.StageDeploy)

	require.NoError(t, store.IndexError(ctx, "run-1", first))
	require.NoError(t, store.IndexError(ctx, "run-2", second))
	assert.Equal(t, 2, store.Len())

	all, err := store.Search(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ErrorID, all[0].Error.ErrorID, "newest first")

	byRun, err := store.Search(ctx, Query{PipelineID: "run-1"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, first.ErrorID, byRun[0].Error.ErrorID)

	byCategory, err := store.Search(ctx, Query{Category: domain.CategoryNetwork})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)

	byMessage, err := store.Search(ctx, Query{MessageMatch: "no module named"})
	require.NoError(t, err)
	require.Len(t, byMessage, 1)
	assert.Equal(t, first.ErrorID, byMessage[0].Error.ErrorID)

	windowed, err := store.Search(ctx, Query{From: second.Timestamp})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, second.ErrorID, windowed[0].Error.ErrorID)
}

func TestMemoryStoreValidation(t *testing.T) {
	clock := domain.NewFakeClock(time.Now())
	store := NewMemoryStore(clock)

	err := store.IndexError(context.Background(), "", historyRecord(clock, "x", domain.CategoryBuild, domain.StageBuild))
	assert.Error(t, err)
	err = store.IndexError(context.Background(), "run-1", nil)
	assert.Error(t, err)
}

func TestMemoryStoreLimit(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clock)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		require.NoError(t, store.IndexError(context.Background(), "run-1",
			historyRecord(clock, "build failed again", domain.CategoryBuild, domain.StageBuild)))
	}
	got, err := store.Search(context.Background(), Query{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMemoryStoreIndexes(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 6, 28, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clock)
	require.NoError(t, store.IndexError(context.Background(), "run-1",
		historyRecord(clock, "june failure", domain.CategoryBuild, domain.StageBuild)))
	clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, store.IndexError(context.Background(), "run-2",
		historyRecord(clock, "july failure", domain.CategoryBuild, domain.StageBuild)))

	assert.Equal(t, []string{"pipeline-errors-2025-06", "pipeline-errors-2025-07"}, store.Indexes("pipeline-errors-"))
}

// capturedTransport records every request and answers with a canned body.
type capturedTransport struct {
	requests []*http.Request
	bodies   []string
	status   int
	payload  string
}

func (c *capturedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	c.requests = append(c.requests, req)
	c.bodies = append(c.bodies, body)
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	payload := c.payload
	if payload == "" {
		payload = `{}`
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(payload)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

func TestOpenSearchStoreIndexTargetsMonthlyPartition(t *testing.T) {
	transport := &capturedTransport{status: http.StatusCreated, payload: `{"result":"created"}`}
	clock := domain.NewFakeClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	store, err := NewOpenSearchStore(Options{
		Addresses:   []string{"http://localhost:9200"},
		IndexPrefix: "pipeline-errors-",
		Transport:   transport,
	}, clock, zerolog.Nop())
	require.NoError(t, err)

	rec := historyRecord(clock, "SyntaxError: invalid syntax", domain.CategoryBuild, domain.StageBuild)
	require.NoError(t, store.IndexError(context.Background(), "run-9", rec))

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, "/pipeline-errors-2025-08/_doc/"+rec.ErrorID, req.URL.Path)
	assert.Contains(t, transport.bodies[0], `"pipeline_id":"run-9"`)
	assert.Contains(t, transport.bodies[0], rec.ErrorID)
}

func TestOpenSearchStoreSearchQueryShape(t *testing.T) {
	payload := `{"hits":{"total":{"value":1},"hits":[{"_source":{"pipeline_id":"run-9","error":{"error_id":"err_1","message":"boom","severity":"high","category":"build","stage":"build","timestamp":"2025-08-15T12:00:00Z"}}}]}}`
	transport := &capturedTransport{payload: payload}
	clock := domain.NewFakeClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	store, err := NewOpenSearchStore(Options{
		Addresses:   []string{"http://localhost:9200"},
		IndexPrefix: "pipeline-errors-",
		Transport:   transport,
	}, clock, zerolog.Nop())
	require.NoError(t, err)

	got, err := store.Search(context.Background(), Query{
		PipelineID:   "run-9",
		Category:     domain.CategoryBuild,
		MessageMatch: "boom",
		Limit:        7,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "err_1", got[0].Error.ErrorID)
	assert.Equal(t, "run-9", got[0].PipelineID)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Contains(t, req.URL.Path, "pipeline-errors-*")
	body := transport.bodies[0]
	assert.Contains(t, body, `"pipeline_id.keyword":"run-9"`)
	assert.Contains(t, body, `"error.category.keyword":"build"`)
	assert.Contains(t, body, `"size":7`)
	assert.Contains(t, body, `"order":"desc"`)
}

func TestOpenSearchStoreErrorStatus(t *testing.T) {
	transport := &capturedTransport{status: http.StatusServiceUnavailable, payload: `{"error":"down"}`}
	clock := domain.NewFakeClock(time.Now())
	store, err := NewOpenSearchStore(Options{
		Addresses:   []string{"http://localhost:9200"},
		IndexPrefix: "pipeline-errors-",
		Transport:   transport,
	}, clock, zerolog.Nop())
	require.NoError(t, err)

	err = store.IndexError(context.Background(), "run-1", historyRecord(clock, "x", domain.CategoryBuild, domain.StageBuild))
	assert.Error(t, err)

	_, err = store.Search(context.Background(), Query{})
	assert.Error(t, err)
}

func TestNewOpenSearchStoreValidation(t *testing.T) {
	clock := domain.NewFakeClock(time.Now())
	_, err := NewOpenSearchStore(Options{IndexPrefix: "x-"}, clock, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewOpenSearchStore(Options{Addresses: []string{"http://localhost:9200"}}, clock, zerolog.Nop())
	assert.Error(t, err)
}
