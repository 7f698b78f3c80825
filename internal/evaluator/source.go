package evaluator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/stakefit/settlement-engine/internal/model"
)

// SampleSource fetches a user's samples of one data type. Implementations
// exist per ingestion backend; the evaluator depends only on this.
type SampleSource interface {
	FetchSamples(ctx context.Context, userID, dataType string, w model.Window) ([]model.Sample, error)
}

// SampleLister is the read side of the sample store.
type SampleLister interface {
	ListSamples(ctx context.Context, userID, dataType string, w model.Window) ([]model.Sample, error)
}

// StoreSource reads samples ingested into the local store.
type StoreSource struct {
	lister SampleLister
}

// NewStoreSource creates a source over the store.
func NewStoreSource(l SampleLister) *StoreSource {
	return &StoreSource{lister: l}
}

func (s *StoreSource) FetchSamples(ctx context.Context, userID, dataType string, w model.Window) ([]model.Sample, error) {
	return s.lister.ListSamples(ctx, userID, dataType, w)
}

// HTTPSource reads samples from an ingestion service:
//
//	GET {base}/users/{userID}/samples?data_type=steps&start=RFC3339&end=RFC3339
//	{"samples":[{"id":"..","value":"4200","unit":"steps","start_time":"..","end_time":"..","source_app":"fitbit"}]}
//
// A 404 means "no samples" only when the body says so, either with a
// samples array or {"code":"no_samples"}; any other 404 is an error, so a
// misrouted base URL cannot turn an outage into forfeited stakes.
//
// Requests are rate limited so a settlement burst cannot flood the service.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSource creates a source for baseURL allowing rps requests per
// second with the given burst.
func NewHTTPSource(baseURL string, client *http.Client, rps float64, burst int) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *HTTPSource) FetchSamples(ctx context.Context, userID, dataType string, w model.Window) ([]model.Sample, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("sample source rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("data_type", dataType)
	q.Set("start", w.Start.UTC().Format(time.RFC3339))
	q.Set("end", w.End.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/users/%s/samples?%s", s.baseURL, url.PathEscape(userID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch samples: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		if gjson.ValidBytes(body) &&
			(gjson.GetBytes(body, "code").String() == "no_samples" || gjson.GetBytes(body, "samples").IsArray()) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch samples: status 404 from %s", s.baseURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch samples: status %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetch samples: invalid JSON body")
	}

	var samples []model.Sample
	var parseErr error
	gjson.GetBytes(body, "samples").ForEach(func(_, v gjson.Result) bool {
		value, err := decimal.NewFromString(v.Get("value").String())
		if err != nil {
			parseErr = fmt.Errorf("sample value %q: %w", v.Get("value").String(), err)
			return false
		}
		start, err := time.Parse(time.RFC3339, v.Get("start_time").String())
		if err != nil {
			parseErr = fmt.Errorf("sample start_time: %w", err)
			return false
		}
		end, err := time.Parse(time.RFC3339, v.Get("end_time").String())
		if err != nil {
			parseErr = fmt.Errorf("sample end_time: %w", err)
			return false
		}
		dt := v.Get("data_type").String()
		if dt == "" {
			dt = dataType
		}
		samples = append(samples, model.Sample{
			ID:        v.Get("id").String(),
			UserID:    userID,
			DataType:  dt,
			Value:     value,
			Unit:      v.Get("unit").String(),
			StartTime: start,
			EndTime:   end,
			SourceApp: v.Get("source_app").String(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return samples, nil
}
