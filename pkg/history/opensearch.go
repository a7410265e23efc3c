package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/rs/zerolog"

	"pipeline-copilot/pkg/domain"
	"pipeline-copilot/pkg/domain/errors"
)

// OpenSearchStore writes entries into monthly indexes on an OpenSearch
// cluster. Index names follow <prefix><YYYY-MM> off the error's own
// timestamp, so late-arriving errors land in the month they happened.
type OpenSearchStore struct {
	client *opensearch.Client
	prefix string
	clock  domain.Clock
	logger zerolog.Logger
}

// Options configures the cluster connection.
type Options struct {
	Addresses   []string
	Username    string
	Password    string
	IndexPrefix string
	Transport   http.RoundTripper // nil uses the default transport
}

// NewOpenSearchStore connects a store to a cluster.
func NewOpenSearchStore(opts Options, clock domain.Clock, logger zerolog.Logger) (*OpenSearchStore, error) {
	if len(opts.Addresses) == 0 {
		return nil, errors.New(errors.CodeMissingParameter, "history", "at least one address is required", nil)
	}
	if opts.IndexPrefix == "" {
		return nil, errors.New(errors.CodeMissingParameter, "history", "index prefix is required", nil)
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "history", "failed to build search client", err)
	}
	return &OpenSearchStore{
		client: client,
		prefix: opts.IndexPrefix,
		clock:  clock,
		logger: logger.With().Str("component", "history").Logger(),
	}, nil
}

// IndexError writes one error document into its monthly partition. The
// document id is the error id, so re-indexing the same error is idempotent.
func (s *OpenSearchStore) IndexError(ctx context.Context, pipelineID string, rec *domain.PipelineError) error {
	if rec == nil {
		return errors.New(errors.CodeMissingParameter, "history", "error record is required", nil)
	}
	if pipelineID == "" {
		return errors.New(errors.CodeMissingParameter, "history", "pipeline_id is required", nil)
	}

	entry := Entry{PipelineID: pipelineID, Error: rec, IndexedAt: s.clock.Now()}
	body, err := json.Marshal(entry)
	if err != nil {
		return errors.New(errors.CodeInternal, "history", "failed to encode history entry", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      IndexName(s.prefix, rec.Timestamp),
		DocumentID: rec.ErrorID,
		Body:       strings.NewReader(string(body)),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "history", "failed to index error", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.New(errors.CodeUnavailable, "history",
			fmt.Sprintf("index request failed with status %d", res.StatusCode), nil)
	}

	s.logger.Debug().
		Str("pipeline_id", pipelineID).
		Str("error_id", rec.ErrorID).
		Str("index", IndexName(s.prefix, rec.Timestamp)).
		Msg("Error indexed")
	return nil
}

// Search queries all monthly partitions, newest errors first.
func (s *OpenSearchStore) Search(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var filters []map[string]interface{}
	if q.PipelineID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"pipeline_id.keyword": q.PipelineID},
		})
	}
	if q.Category != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"error.category.keyword": string(q.Category)},
		})
	}
	if q.Stage != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"error.stage.keyword": string(q.Stage)},
		})
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		window := map[string]interface{}{}
		if !q.From.IsZero() {
			window["gte"] = q.From
		}
		if !q.To.IsZero() {
			window["lte"] = q.To
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"error.timestamp": window},
		})
	}

	boolQuery := map[string]interface{}{}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	if q.MessageMatch != "" {
		boolQuery["must"] = []map[string]interface{}{
			{"match": map[string]interface{}{"error.message": q.MessageMatch}},
		}
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"error.timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
	if len(boolQuery) > 0 {
		query["query"] = map[string]interface{}{"bool": boolQuery}
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "history", "failed to encode search query", err)
	}

	req := opensearchapi.SearchRequest{
		Index: []string{s.prefix + "*"},
		Body:  strings.NewReader(string(body)),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, errors.New(errors.CodeNetworkError, "history", "search request failed", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.New(errors.CodeUnavailable, "history",
			fmt.Sprintf("search failed with status %d", res.StatusCode), nil)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.New(errors.CodeDataMismatch, "history", "failed to decode search response", err)
	}

	out := make([]Entry, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source Entry `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

var _ Store = (*OpenSearchStore)(nil)
