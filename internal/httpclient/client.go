package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
)

// ErrFatalResponse is returned for responses whose action is Fail.
var ErrFatalResponse = errors.New("fatal API response")

// Action is what the client does with a response status.
type Action int

const (
	ActionRetry Action = iota
	ActionFail
)

// ResponseAction pairs an action with the message reported for it.
type ResponseAction struct {
	Action  Action
	Message string
}

// HubSpotResponseActions is the response-action table of the CRM API.
var HubSpotResponseActions = map[int]ResponseAction{
	http.StatusTooManyRequests:    {ActionRetry, "API rate limit exceeded"},
	http.StatusBadGateway:         {ActionRetry, "Bad gateway"},
	http.StatusServiceUnavailable: {ActionRetry, "Service unavailable"},
	http.StatusUnauthorized:       {ActionRetry, "Authentication failed, the access token may have expired"},
	530: {ActionFail, "The user cannot be authorized with provided credentials. Verify that the credentials are valid and try again."},
	http.StatusForbidden:  {ActionFail, "The authenticated user does not have permission to access this resource. Verify the scopes granted to the app."},
	http.StatusBadRequest: {ActionFail, "The request was rejected by the API. Check the configured properties and filters."},
}

// Options configures a Client.
type Options struct {
	Timeout           time.Duration
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
	Actions           map[int]ResponseAction
	TokenSource       oauth2.TokenSource // nil sends unauthenticated requests
	UserAgent         string
}

// Client is an etl.Transport over go-retryablehttp. It authenticates through
// an oauth2 token source, paces requests with a rate limiter and applies a
// response-action table to decide retries.
type Client struct {
	http    *retryablehttp.Client
	limiter *rate.Limiter
	actions map[int]ResponseAction
	agent   string
}

var _ etl.Transport = (*Client)(nil)

// New creates a Client.
func New(ctx context.Context, opts Options) *Client {
	c := &Client{actions: opts.Actions, agent: opts.UserAgent}
	if c.actions == nil {
		c.actions = HubSpotResponseActions
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	base := &http.Client{}
	if opts.TokenSource != nil {
		base = oauth2.NewClient(ctx, opts.TokenSource)
	}
	base.Timeout = opts.Timeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = c.checkRetry
	rc.Logger = leveledLogger{logger.Named("http")}
	c.http = rc
	return c
}

func (c *Client) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && resp != nil {
		if action, ok := c.actions[resp.StatusCode]; ok {
			if action.Action == ActionRetry {
				logger.Logger.Warnw("retrying request", "status", resp.StatusCode, "reason", action.Message)
				return true, nil
			}
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Send issues req and decodes the JSON response body. Numbers decode as
// json.Number so ids keep their precision.
func (c *Client) Send(ctx context.Context, req *etl.Request) (*etl.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit wait")
		}
	}

	var body any
	if req.JSON != nil {
		raw, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		body = raw
	}

	url := req.URL
	if len(req.Params) > 0 {
		url += "?" + req.Params.Encode()
	}
	hreq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		hreq.Header.Set("User-Agent", c.agent)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if action, ok := c.actions[resp.StatusCode]; ok {
			return nil, errors.Wrapf(ErrFatalResponse, "%s %s: http %d: %s: %s",
				req.Method, req.URL, resp.StatusCode, action.Message, snippet)
		}
		return nil, errors.Newf("%s %s: http %d: %s", req.Method, req.URL, resp.StatusCode, snippet)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	out := &etl.Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out.Body); err != nil {
		return nil, errors.Wrap(err, "parse json")
	}
	return out, nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.l.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.l.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.l.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.l.Warnw(msg, kv...) }
