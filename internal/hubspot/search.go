package hubspot

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"

	"crmsync/internal/etl"
)

// searchPageLimit is the largest page the search endpoint returns.
const searchPageLimit = 200

// CRMSearchRequester posts one search query per page to
// /crm/v3/objects/{entity}/search, filtered to records modified since the
// slice start and sorted by id so a watermark can resume the result window.
type CRMSearchRequester struct {
	Transport etl.Transport
	URLBase   string
	Entity    string
	// LastModifiedProperty is the modification timestamp property of the entity.
	LastModifiedProperty string
	PageSize             int
	Properties           func(ctx context.Context) ([]string, error)
}

func (r *CRMSearchRequester) SendRequest(ctx context.Context, slice etl.StreamSlice, token etl.PageToken) (*etl.Response, error) {
	body, err := r.body(ctx, slice, token)
	if err != nil {
		return nil, err
	}
	return r.Transport.Send(ctx, &etl.Request{
		Method: http.MethodPost,
		URL:    etl.JoinURL(r.URLBase, fmt.Sprintf("/crm/v3/objects/%s/search", r.Entity)),
		JSON:   body,
	})
}

func (r *CRMSearchRequester) body(ctx context.Context, slice etl.StreamSlice, token etl.PageToken) (map[string]any, error) {
	filters := []map[string]any{}
	if start, ok := slice.Get(etl.SliceStartTime); ok {
		ms, err := etl.IDInt(start)
		if err != nil {
			return nil, errors.Wrap(err, "search slice start")
		}
		filters = append(filters, map[string]any{
			"propertyName": r.LastModifiedProperty,
			"operator":     "GTE",
			"value":        ms,
		})
	}
	if id, ok := token.Int(watermarkKey); ok {
		filters = append(filters, map[string]any{
			"propertyName": "hs_object_id",
			"operator":     "GTE",
			"value":        id,
		})
	}

	after, _ := token.Int(afterKey)
	body := map[string]any{
		"limit":        r.pageSize(),
		"after":        after,
		"sorts":        []map[string]any{{"propertyName": "hs_object_id", "direction": "ASCENDING"}},
		"filterGroups": []map[string]any{{"filters": filters}},
	}
	if r.Properties != nil {
		props, err := r.Properties(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "%s properties", r.Entity)
		}
		body["properties"] = props
	}
	return body, nil
}

func (r *CRMSearchRequester) pageSize() int {
	if r.PageSize <= 0 || r.PageSize > searchPageLimit {
		return searchPageLimit
	}
	return r.PageSize
}
