package hubspot

import (
	"github.com/cockroachdb/errors"

	"crmsync/internal/etl"
)

const (
	// searchResultLimit is the maximum number of results a single search
	// query can page through.
	searchResultLimit = 10000

	afterKey     = "after"
	watermarkKey = "id"
)

// CRMSearchPagination pages search results with an offset and restarts the
// result window behind an id watermark whenever the offset would hit the
// search result limit.
type CRMSearchPagination struct {
	PageSize   int
	PrimaryKey string // defaults to "id"
}

func (p *CRMSearchPagination) InitialToken() etl.PageToken {
	return etl.PageToken{afterKey: 0}
}

func (p *CRMSearchPagination) NextPageToken(resp *etl.Response, lastPageSize int, lastRecord etl.Record, lastToken etl.PageToken) (etl.PageToken, error) {
	after, _ := lastToken.Int(afterKey)

	if after+int64(lastPageSize) >= searchResultLimit {
		pk := p.PrimaryKey
		if pk == "" {
			pk = "id"
		}
		if lastRecord == nil {
			return nil, errors.Newf("search result limit reached without a last record")
		}
		id, err := etl.IDInt(lastRecord[pk])
		if err != nil {
			return nil, errors.Wrap(err, "watermark")
		}
		return etl.PageToken{afterKey: 0, watermarkKey: id + 1}, nil
	}

	if lastPageSize == 0 || lastPageSize < p.PageSize || !hasPaging(resp) {
		return nil, nil
	}

	next := etl.PageToken{afterKey: int(after) + lastPageSize}
	if id, ok := lastToken[watermarkKey]; ok {
		next[watermarkKey] = id
	}
	return next, nil
}

func hasPaging(resp *etl.Response) bool {
	if resp == nil {
		return false
	}
	switch paging := resp.Object()["paging"].(type) {
	case nil:
		return false
	case map[string]any:
		return len(paging) > 0
	default:
		return true
	}
}

// AfterCursorPagination follows the paging.next.after cursor of CRM list
// endpoints.
type AfterCursorPagination struct{}

func (AfterCursorPagination) InitialToken() etl.PageToken { return nil }

func (AfterCursorPagination) NextPageToken(resp *etl.Response, _ int, _ etl.Record, _ etl.PageToken) (etl.PageToken, error) {
	if resp == nil {
		return nil, nil
	}
	paging, _ := resp.Object()["paging"].(map[string]any)
	next, _ := paging["next"].(map[string]any)
	after, ok := etl.IDString(next["after"])
	if !ok {
		return nil, nil
	}
	return etl.PageToken{afterKey: after}, nil
}

// OffsetPagination follows the hasMore/offset pair of the v1 engagement
// endpoints.
type OffsetPagination struct{}

func (OffsetPagination) InitialToken() etl.PageToken { return nil }

func (OffsetPagination) NextPageToken(resp *etl.Response, _ int, _ etl.Record, _ etl.PageToken) (etl.PageToken, error) {
	if resp == nil {
		return nil, nil
	}
	body := resp.Object()
	if more, _ := body["hasMore"].(bool); !more {
		return nil, nil
	}
	offset, err := etl.IDInt(body["offset"])
	if err != nil {
		return nil, errors.Wrap(err, "engagements offset")
	}
	return etl.PageToken{"offset": offset}, nil
}
