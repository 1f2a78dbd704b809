package kueri

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Request describes one HTTP call made by the Fetcher. Interceptors may
// replace any field; Meta is shared by every phase of the same request.
type Request struct {
	ID      string
	Method  string
	URL     string
	Headers http.Header
	Query   url.Values
	Body    any
	// Timeout overrides the client timeout for this request.
	Timeout time.Duration
	// Result, when set, is the decode target for the JSON body and is
	// validated with `validate` struct tags.
	Result any
	Meta   map[string]any
}

// Clone returns a copy whose headers, query and meta can be changed freely.
// A pointer Result is replaced by a new zero value of the same type so the
// copy never decodes into the original's target.
func (r *Request) Clone() *Request {
	out := *r
	out.Headers = r.Headers.Clone()
	if r.Result != nil {
		if t := reflect.TypeOf(r.Result); t.Kind() == reflect.Pointer {
			out.Result = reflect.New(t.Elem()).Interface()
		}
	}
	if r.Query != nil {
		out.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Meta != nil {
		out.Meta = make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// Response is the decoded result of a Request.
type Response struct {
	// Data is Request.Result when set, otherwise the decoded JSON body, or
	// the raw body as a string when it is not JSON.
	Data     any
	Body     []byte
	Status   int
	Headers  http.Header
	Request  *Request
	Duration time.Duration
}

// Fetcher performs HTTP requests through the interceptor chain.
type Fetcher struct {
	http     *resty.Client
	baseURL  string
	headers  http.Header
	timeout  time.Duration
	limiter  *rate.Limiter
	breakers *circuitBreakers
	validate *validator.Validate
	chain    *InterceptorChain
	metrics  *MetricsCollector
	logger   Logger
	debug    *DebugConfig
}

// Do sends req. Exactly one of the returned response and error is non-nil.
func (f *Fetcher) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, newError(ErrorTypeConfig, "nil request", nil)
	}
	if req.Meta == nil {
		req.Meta = make(map[string]any)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.ID == "" && f.debug != nil && f.debug.RequestIDGen != nil {
		req.ID = f.debug.RequestIDGen()
	}

	next, err := f.chain.runRequest(ctx, req)
	if next != nil {
		req = next
	}
	var resp *Response
	if err == nil {
		resp, err = f.send(ctx, req)
	}
	if err == nil {
		resp, err = f.chain.runResponse(ctx, resp)
	}
	if err == nil {
		return resp, nil
	}

	resp, err = f.chain.runError(ctx, req, err)
	if err != nil {
		f.recordError(req, err)
		return nil, err
	}
	return resp, nil
}

// send performs req unless the endpoint's circuit is open, and feeds the
// outcome back to the endpoint's breaker.
func (f *Fetcher) send(ctx context.Context, req *Request) (*Response, error) {
	if f.breakers == nil {
		return f.exchange(ctx, req)
	}

	fullURL := JoinURL(f.baseURL, req.URL)
	endpoint := endpointOf(fullURL)
	breaker := f.breakers.get(endpoint)
	if !breaker.Allow() {
		clientErr := newError(ErrorTypeCircuitOpen, "circuit breaker is open", nil)
		return nil, f.annotate(clientErr, req, fullURL, 0)
	}

	before := breaker.State()
	resp, err := f.exchange(ctx, req)
	switch {
	case countsAsFailure(err):
		breaker.RecordFailure()
	case err == nil, IsHTTPError(err), IsValidationError(err):
		// The endpoint answered, even if with a 4xx or an invalid body.
		breaker.RecordSuccess()
	}

	after := breaker.State()
	f.metrics.RecordCircuitBreakerState(endpoint, after)
	if after != before && f.logger != nil {
		f.logger.Warn("Circuit breaker state changed", "endpoint", endpoint, "from", before.String(), "to", after.String())
	}
	return resp, err
}

func (f *Fetcher) exchange(ctx context.Context, req *Request) (*Response, error) {
	fullURL := JoinURL(f.baseURL, req.URL)
	endpoint := endpointOf(fullURL)

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, f.annotate(transportError(ctx, ctx, err), req, fullURL, 0)
			}
			return nil, f.annotate(newError(ErrorTypeRateLimit, "rate limit wait failed", err), req, fullURL, 0)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	sendCtx := ctx
	if timeout > 0 && timeout != Infinity {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r := f.http.R().SetContext(sendCtx)
	headers := f.headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	for k, v := range req.Headers {
		headers[http.CanonicalHeaderKey(k)] = v
	}
	if req.ID != "" && headers.Get("X-Request-Id") == "" {
		headers.Set("X-Request-Id", req.ID)
	}
	r.SetHeaderMultiValues(headers)
	if len(req.Query) > 0 {
		r.SetQueryParamsFromValues(req.Query)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	if f.debug != nil && f.debug.Enabled && f.debug.LogRequests && f.logger != nil {
		f.logger.Debug("Sending request", "requestID", req.ID, "method", req.Method, "url", fullURL)
	}

	f.metrics.RecordRequestStart(req.Method, endpoint)
	start := time.Now()
	res, err := r.Execute(req.Method, fullURL)
	duration := time.Since(start)
	f.metrics.RecordRequestEnd(req.Method, endpoint)

	if err != nil {
		f.metrics.RecordRequest(req.Method, endpoint, 0, duration)
		return nil, f.annotate(transportError(ctx, sendCtx, err), req, fullURL, duration)
	}

	status := res.StatusCode()
	f.metrics.RecordRequest(req.Method, endpoint, status, duration)

	if f.debug != nil && f.debug.Enabled && f.debug.LogRequests && f.logger != nil {
		f.logger.Debug("Request completed", "requestID", req.ID, "status", status, "duration", duration)
	}

	body := res.Body()
	if status < 200 || status >= 300 {
		clientErr := newError(ErrorTypeHTTP, http.StatusText(status), nil)
		clientErr.StatusCode = status
		clientErr.Body = body
		clientErr.RetryAfter = parseRetryAfter(res.Header().Get("Retry-After"))
		return nil, f.annotate(clientErr, req, fullURL, duration)
	}

	data, err := f.decode(req, res.Header(), body)
	if err != nil {
		clientErr := newError(ErrorTypeValidation, "invalid response body", err)
		clientErr.StatusCode = status
		clientErr.Body = body
		return nil, f.annotate(clientErr, req, fullURL, duration)
	}

	return &Response{
		Data:     data,
		Body:     body,
		Status:   status,
		Headers:  res.Header(),
		Request:  req,
		Duration: duration,
	}, nil
}

func (f *Fetcher) decode(req *Request, header http.Header, body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	isJSON := strings.Contains(header.Get("Content-Type"), "json")

	if req.Result != nil {
		if len(trimmed) > 0 {
			if err := json.Unmarshal(trimmed, req.Result); err != nil {
				return nil, err
			}
		}
		if err := f.validateResult(req.Result); err != nil {
			return nil, err
		}
		return req.Result, nil
	}

	if len(trimmed) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(trimmed, &data); err != nil {
		if isJSON {
			return nil, err
		}
		return string(body), nil
	}
	return data, nil
}

func (f *Fetcher) validateResult(v any) error {
	if f.validate == nil {
		return nil
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return f.validate.Struct(v)
}

func (f *Fetcher) annotate(clientErr *ClientError, req *Request, fullURL string, duration time.Duration) *ClientError {
	clientErr.RequestID = req.ID
	clientErr.Method = req.Method
	clientErr.URL = fullURL
	clientErr.Endpoint = endpointOf(fullURL)
	clientErr.Duration = duration
	return clientErr
}

func (f *Fetcher) recordError(req *Request, err error) {
	kind := errorType(err)
	if kind == "" {
		kind = "UnknownError"
	}
	endpoint := endpointOf(JoinURL(f.baseURL, req.URL))
	f.metrics.RecordError(kind, req.Method, endpoint)
	if f.logger != nil && kind != ErrorTypeCancelled {
		f.logger.Warn("Request failed", "requestID", req.ID, "method", req.Method, "endpoint", endpoint, "error", err)
	}
}

// transportError classifies a failure that produced no HTTP response.
func transportError(parent, sendCtx context.Context, err error) *ClientError {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return newError(ErrorTypeCancelled, "request cancelled", parent.Err())
	case errors.Is(parent.Err(), context.DeadlineExceeded),
		errors.Is(sendCtx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTypeTimeout, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return newError(ErrorTypeCancelled, "request cancelled", err)
	default:
		return newError(ErrorTypeNetwork, "request failed", err)
	}
}

// JoinURL joins base and path with exactly one slash between them. Absolute
// paths are returned unchanged.
func JoinURL(base, path string) string {
	if base == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// endpointOf returns the path of rawURL for metric labels.
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// restyLogger routes resty's own log lines to the client Logger.
type restyLogger struct {
	logger Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
