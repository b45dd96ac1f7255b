package hubspot

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
)

const (
	RecentEngagementsPath = "/engagements/v1/engagements/recent/modified"
	AllEngagementsPath    = "/engagements/v1/engagements/paged"

	recentEngagementsLimit = 10000
	recentEngagementsDays  = 29
	engagementsProbeCount  = 250
)

// ErrProbeMissingTotal is returned when the recent endpoint probe does not
// report a total.
var ErrProbeMissingTotal = errors.New("recent engagements probe response has no total")

// engagementsRoute is the endpoint decision for one slice.
type engagementsRoute struct {
	recent bool
}

// EngagementsRequester routes engagement reads to the recent endpoint when the
// slice starts within its window and its total fits under its cap, and to the
// paged endpoint otherwise. The decision is taken once per slice start time
// and reused for every page of that slice.
type EngagementsRequester struct {
	Transport etl.Transport
	URLBase   string
	PageSize  int
	Now       func() time.Time

	mu     sync.Mutex
	routes map[int64]*engagementsRoute
}

func (r *EngagementsRequester) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func sliceStart(slice etl.StreamSlice) (int64, error) {
	v, ok := slice.Get(etl.SliceStartTime)
	if !ok {
		return 0, errors.Newf("engagements slice has no %s", etl.SliceStartTime)
	}
	return etl.IDInt(v)
}

// UseRecentAPI reports the route of slice, probing the recent endpoint the
// first time a slice start is seen.
func (r *EngagementsRequester) UseRecentAPI(ctx context.Context, slice etl.StreamSlice) (bool, error) {
	start, err := sliceStart(slice)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[start]; ok {
		return route.recent, nil
	}

	route := &engagementsRoute{}
	cutoff := r.now().AddDate(0, 0, -recentEngagementsDays)
	if !time.UnixMilli(start).Before(cutoff) {
		total, err := r.probe(ctx, start)
		if err != nil {
			return false, err
		}
		route.recent = total <= recentEngagementsLimit
	}

	if r.routes == nil {
		r.routes = make(map[int64]*engagementsRoute)
	}
	r.routes[start] = route
	logger.Logger.Infow("engagements route selected", "start_time", start, "recent", route.recent)
	return route.recent, nil
}

func (r *EngagementsRequester) probe(ctx context.Context, start int64) (int64, error) {
	resp, err := r.Transport.Send(ctx, &etl.Request{
		Method: http.MethodGet,
		URL:    etl.JoinURL(r.URLBase, RecentEngagementsPath),
		Params: url.Values{
			"count": {strconv.Itoa(engagementsProbeCount)},
			"since": {strconv.FormatInt(start, 10)},
		},
	})
	if err != nil {
		return 0, errors.Wrap(err, "probe recent engagements")
	}
	raw, ok := resp.Object()["total"]
	if !ok || raw == nil {
		return 0, ErrProbeMissingTotal
	}
	return etl.IDInt(raw)
}

// Path returns the endpoint path for slice.
func (r *EngagementsRequester) Path(ctx context.Context, slice etl.StreamSlice) (string, error) {
	recent, err := r.UseRecentAPI(ctx, slice)
	if err != nil {
		return "", err
	}
	if recent {
		return RecentEngagementsPath, nil
	}
	return AllEngagementsPath, nil
}

// Params returns the query parameters for one page of slice.
func (r *EngagementsRequester) Params(ctx context.Context, slice etl.StreamSlice, token etl.PageToken) (url.Values, error) {
	recent, err := r.UseRecentAPI(ctx, slice)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	if recent {
		start, _ := sliceStart(slice)
		params.Set("count", strconv.Itoa(r.pageSize()))
		params.Set("since", strconv.FormatInt(start, 10))
	} else {
		params.Set("limit", strconv.Itoa(r.pageSize()))
	}
	if offset, ok := token.Int("offset"); ok {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}
	return params, nil
}

func (r *EngagementsRequester) pageSize() int {
	if r.PageSize > 0 {
		return r.PageSize
	}
	return engagementsProbeCount
}

func (r *EngagementsRequester) SendRequest(ctx context.Context, slice etl.StreamSlice, token etl.PageToken) (*etl.Response, error) {
	path, err := r.Path(ctx, slice)
	if err != nil {
		return nil, err
	}
	params, err := r.Params(ctx, slice, token)
	if err != nil {
		return nil, err
	}
	return r.Transport.Send(ctx, &etl.Request{
		Method: http.MethodGet,
		URL:    etl.JoinURL(r.URLBase, path),
		Params: params,
	})
}

// HoistEngagement copies the id and timestamps of the nested engagement
// object to the top level of the record.
func HoistEngagement(_ context.Context, rec etl.Record, _ etl.StreamSlice) error {
	eng, ok := rec["engagement"].(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"id", "createdAt", "lastUpdated", "type"} {
		if v, ok := eng[key]; ok {
			if _, exists := rec[key]; !exists {
				rec[key] = v
			}
		}
	}
	return nil
}
