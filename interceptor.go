package kueri

import (
	"context"
	"fmt"
	"sync"
)

// Phase selects which part of the request pipeline an interceptor runs in.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
	PhaseError
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseResponse:
		return "response"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// RequestInterceptor transforms an outgoing request. Returning a nil request
// keeps the current one.
type RequestInterceptor func(ctx context.Context, req *Request) (*Request, error)

// ResponseInterceptor transforms a successful response. Returning a nil
// response keeps the current one.
type ResponseInterceptor func(ctx context.Context, resp *Response) (*Response, error)

// ErrorInterceptor sees every failed request. It recovers by returning a
// response, re-rejects by returning an error, or passes the error through
// unchanged by returning (nil, nil).
type ErrorInterceptor func(ctx context.Context, req *Request, err error) (*Response, error)

// InterceptorID identifies a registration for Eject.
type InterceptorID uint64

type registration[F any] struct {
	id InterceptorID
	fn F
}

// InterceptorChain holds ordered request, response and error interceptors.
// Registration order is execution order. It is safe for concurrent use;
// each request runs against the registrations present when its phase starts.
type InterceptorChain struct {
	mu       sync.RWMutex
	nextID   InterceptorID
	request  []registration[RequestInterceptor]
	response []registration[ResponseInterceptor]
	errors   []registration[ErrorInterceptor]
}

// NewInterceptorChain returns an empty chain.
func NewInterceptorChain() *InterceptorChain {
	return &InterceptorChain{}
}

// Use registers fn for phase. fn must be a RequestInterceptor,
// ResponseInterceptor or ErrorInterceptor (or a func with the same
// signature) matching the phase.
func (c *InterceptorChain) Use(phase Phase, fn any) (InterceptorID, error) {
	switch phase {
	case PhaseRequest:
		switch f := fn.(type) {
		case RequestInterceptor:
			return c.UseRequest(f), nil
		case func(context.Context, *Request) (*Request, error):
			return c.UseRequest(f), nil
		}
	case PhaseResponse:
		switch f := fn.(type) {
		case ResponseInterceptor:
			return c.UseResponse(f), nil
		case func(context.Context, *Response) (*Response, error):
			return c.UseResponse(f), nil
		}
	case PhaseError:
		switch f := fn.(type) {
		case ErrorInterceptor:
			return c.UseError(f), nil
		case func(context.Context, *Request, error) (*Response, error):
			return c.UseError(f), nil
		}
	default:
		return 0, newError(ErrorTypeConfig, fmt.Sprintf("unknown interceptor phase %d", phase), nil)
	}
	return 0, newError(ErrorTypeConfig, fmt.Sprintf("%T is not a %s interceptor", fn, phase), nil)
}

// UseRequest appends a request interceptor.
func (c *InterceptorChain) UseRequest(fn RequestInterceptor) InterceptorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.request = append(c.request, registration[RequestInterceptor]{id: c.nextID, fn: fn})
	return c.nextID
}

// UseResponse appends a response interceptor.
func (c *InterceptorChain) UseResponse(fn ResponseInterceptor) InterceptorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.response = append(c.response, registration[ResponseInterceptor]{id: c.nextID, fn: fn})
	return c.nextID
}

// UseError appends an error interceptor.
func (c *InterceptorChain) UseError(fn ErrorInterceptor) InterceptorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.errors = append(c.errors, registration[ErrorInterceptor]{id: c.nextID, fn: fn})
	return c.nextID
}

// Eject removes the registration with id from whichever phase holds it.
func (c *InterceptorChain) Eject(id InterceptorID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ok bool
	c.request, ok = eject(c.request, id)
	if ok {
		return true
	}
	c.response, ok = eject(c.response, id)
	if ok {
		return true
	}
	c.errors, ok = eject(c.errors, id)
	return ok
}

func eject[F any](regs []registration[F], id InterceptorID) ([]registration[F], bool) {
	for i, r := range regs {
		if r.id == id {
			out := make([]registration[F], 0, len(regs)-1)
			out = append(out, regs[:i]...)
			return append(out, regs[i+1:]...), true
		}
	}
	return regs, false
}

// Len returns the number of interceptors registered for phase.
func (c *InterceptorChain) Len(phase Phase) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch phase {
	case PhaseRequest:
		return len(c.request)
	case PhaseResponse:
		return len(c.response)
	case PhaseError:
		return len(c.errors)
	default:
		return 0
	}
}

// Clear removes every interceptor.
func (c *InterceptorChain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.request = nil
	c.response = nil
	c.errors = nil
}

func (c *InterceptorChain) requestInterceptors() []registration[RequestInterceptor] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]registration[RequestInterceptor](nil), c.request...)
}

func (c *InterceptorChain) responseInterceptors() []registration[ResponseInterceptor] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]registration[ResponseInterceptor](nil), c.response...)
}

func (c *InterceptorChain) errorInterceptors() []registration[ErrorInterceptor] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]registration[ErrorInterceptor](nil), c.errors...)
}

// runRequest applies the request interceptors in order. On failure the last
// good request is returned with the error.
func (c *InterceptorChain) runRequest(ctx context.Context, req *Request) (*Request, error) {
	for _, r := range c.requestInterceptors() {
		if err := ctxError(ctx); err != nil {
			return req, err
		}
		next, err := callInterceptor(PhaseRequest, func() (*Request, error) { return r.fn(ctx, req) })
		if err != nil {
			return req, err
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}

// runResponse applies the response interceptors in order.
func (c *InterceptorChain) runResponse(ctx context.Context, resp *Response) (*Response, error) {
	for _, r := range c.responseInterceptors() {
		if err := ctxError(ctx); err != nil {
			return nil, err
		}
		next, err := callInterceptor(PhaseResponse, func() (*Response, error) { return r.fn(ctx, resp) })
		if err != nil {
			return nil, err
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// runError lets each error interceptor recover or transform err. The first
// interceptor that returns a response ends the phase.
func (c *InterceptorChain) runError(ctx context.Context, req *Request, err error) (*Response, error) {
	for _, r := range c.errorInterceptors() {
		resp, next := func() (resp *Response, next error) {
			defer func() {
				if p := recover(); p != nil {
					resp, next = nil, panicError(PhaseError, p)
				}
			}()
			return r.fn(ctx, req, err)
		}()
		if resp != nil {
			if resp.Request == nil {
				resp.Request = req
			}
			return resp, nil
		}
		if next != nil {
			err = next
		}
	}
	return nil, err
}

func callInterceptor[T any](phase Phase, fn func() (T, error)) (out T, err error) {
	defer func() {
		if p := recover(); p != nil {
			var zero T
			out, err = zero, panicError(phase, p)
		}
	}()
	out, err = fn()
	if err != nil {
		err = interceptorError(phase, err)
	}
	return out, err
}

// interceptorError keeps typed errors as they are and wraps anything else.
func interceptorError(phase Phase, err error) error {
	if errorType(err) != "" {
		return err
	}
	return newError(ErrorTypeInterceptor, fmt.Sprintf("%s interceptor failed", phase), err)
}

func panicError(phase Phase, p any) error {
	if err, ok := p.(error); ok {
		return newError(ErrorTypeInterceptor, fmt.Sprintf("%s interceptor panicked", phase), err)
	}
	return newError(ErrorTypeInterceptor, fmt.Sprintf("%s interceptor panicked: %v", phase, p), nil)
}

// ctxError converts a finished context into a typed error.
func ctxError(ctx context.Context) error {
	switch err := ctx.Err(); err {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return newError(ErrorTypeTimeout, "deadline exceeded", err)
	default:
		return newError(ErrorTypeCancelled, "request cancelled", err)
	}
}
