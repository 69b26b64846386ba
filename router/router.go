// Package router dispatches requests through ordered chains of handlers
// selected by method and path pattern.
package router

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/wolfeidau/release-edge/provider"
	"github.com/wolfeidau/release-edge/report"
)

// MethodAll matches every request method.
const MethodAll = "ALL"

var (
	// ErrChainExhausted is returned when every handler of the matched chain
	// deferred without producing a response.
	ErrChainExhausted = errors.New("router: reached the end of the handler chain")

	// ErrNoRoute is returned when no route matches the request.
	ErrNoRoute = errors.New("router: no route matches request")
)

// Request is a request being dispatched.
type Request struct {
	*http.Request

	// Params holds the values captured by the route pattern.
	Params map[string]string

	// UnsubstitutedURL is the URL the client requested when the request was
	// rewritten by a Substitution. Nil otherwise.
	UnsubstitutedURL *url.URL
}

// NewRequest wraps r for dispatch.
func NewRequest(r *http.Request) *Request {
	return &Request{Request: r}
}

// OriginalURL returns the URL the client requested.
func (r *Request) OriginalURL() *url.URL {
	if r.UnsubstitutedURL != nil {
		return r.UnsubstitutedURL
	}
	return r.URL
}

// Response is a handler's answer. The engine closes Body once written.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// NewResponse creates a response with an empty header and no body.
func NewResponse(status int) *Response {
	return &Response{StatusCode: status, Header: http.Header{}}
}

// TextResponse creates a plain text response.
func TextResponse(status int, body string) *Response {
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Body = io.NopCloser(strings.NewReader(body))
	return resp
}

// Close closes the body if there is one.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Next runs the remainder of the chain. It is memoized: calling it more than
// once returns the first result.
type Next func() (*Response, error)

// Handler is one step of a chain. Returning a nil response, or an error,
// defers to the next handler.
type Handler interface {
	Handle(req *Request, next Next) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request, next Next) (*Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(req *Request, next Next) (*Response, error) {
	return f(req, next)
}

type route struct {
	method   string
	pattern  *pattern
	handlers []Handler
}

// Engine holds the route table. Routes are matched in registration order and
// the first match wins. The table must not be modified once serving starts.
type Engine struct {
	routes         []route
	reporter       report.Reporter
	logger         *slog.Logger
	detailedErrors bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter sets where handler and dispatch errors are reported.
func WithReporter(r report.Reporter) Option {
	return func(e *Engine) {
		e.reporter = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDetailedErrors appends the error message to 500 response bodies.
// Only for development and test environments.
func WithDetailedErrors(enabled bool) Option {
	return func(e *Engine) {
		e.detailedErrors = enabled
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		reporter: (*report.Sink)(nil),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "router")
	return e
}

// Handle registers a chain for method and pattern. It panics if the pattern
// is invalid, like http.ServeMux.
func (e *Engine) Handle(method, pat string, handlers ...Handler) {
	p, err := compilePattern(pat)
	if err != nil {
		panic(err)
	}
	e.routes = append(e.routes, route{method: method, pattern: p, handlers: handlers})
}

// Get registers a GET chain.
func (e *Engine) Get(pat string, handlers ...Handler) { e.Handle(http.MethodGet, pat, handlers...) }

// Head registers a HEAD chain.
func (e *Engine) Head(pat string, handlers ...Handler) { e.Handle(http.MethodHead, pat, handlers...) }

// Post registers a POST chain.
func (e *Engine) Post(pat string, handlers ...Handler) { e.Handle(http.MethodPost, pat, handlers...) }

// Options registers an OPTIONS chain.
func (e *Engine) Options(pat string, handlers ...Handler) {
	e.Handle(http.MethodOptions, pat, handlers...)
}

// All registers a chain for every method.
func (e *Engine) All(pat string, handlers ...Handler) { e.Handle(MethodAll, pat, handlers...) }

// Dispatch runs req through the first matching chain.
func (e *Engine) Dispatch(req *Request) (*Response, error) {
	for _, rt := range e.routes {
		if rt.method != MethodAll && rt.method != req.Method {
			continue
		}
		params, ok := rt.pattern.match(req.URL.Path)
		if !ok {
			continue
		}
		routed := *req
		routed.Params = params
		return e.run(&routed, rt)
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, req.Method, req.URL.Path)
}

// run composes the chain right to left so handler i receives a next that
// runs handler i+1.
func (e *Engine) run(req *Request, rt route) (*Response, error) {
	steps := make([]Next, len(rt.handlers)+1)
	steps[len(rt.handlers)] = func() (*Response, error) {
		return nil, ErrChainExhausted
	}
	for i := len(rt.handlers) - 1; i >= 0; i-- {
		h, next := rt.handlers[i], steps[i+1]
		steps[i] = memoize(func() (*Response, error) {
			resp, err := invoke(req, h, next)
			if err != nil {
				if !errors.Is(err, ErrChainExhausted) {
					e.reporter.Report(req.Context(), "handler", err,
						slog.String("handler", fmt.Sprintf("%T", h)),
						slog.String("route", rt.pattern.raw),
						slog.String("path", req.URL.Path),
					)
				}
				return next()
			}
			if resp == nil {
				return next()
			}
			return resp, nil
		})
	}
	return steps[0]()
}

// invoke calls h, turning a panic into an error so one handler cannot take
// down the chain.
func invoke(req *Request, h Handler, next Next) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("router: handler %T panicked: %v", h, r)
		}
	}()
	return h.Handle(req, next)
}

func memoize(fn Next) Next {
	var (
		once sync.Once
		resp *Response
		err  error
	)
	return func() (*Response, error) {
		once.Do(func() {
			resp, err = fn()
		})
		return resp, err
	}
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validURL(r) {
		e.write(w, r, BadRequest())
		return
	}

	resp, err := e.Dispatch(NewRequest(r))
	if err == nil && resp == nil {
		err = ErrChainExhausted
	}
	if err != nil {
		e.reporter.Report(r.Context(), "dispatch", err,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		resp = e.internalServerError(err)
	}
	e.write(w, r, resp)
}

func validURL(r *http.Request) bool {
	if r.URL == nil {
		return false
	}
	if r.RequestURI == "" || r.RequestURI == "*" {
		return true
	}
	_, err := url.ParseRequestURI(r.RequestURI)
	return err == nil
}

func (e *Engine) internalServerError(err error) *Response {
	body := "Internal Server Error"
	if e.detailedErrors {
		body += "\nMessage: " + err.Error()
	}
	resp := TextResponse(http.StatusInternalServerError, body)
	resp.Header.Set("Cache-Control", provider.CacheControlFailure)
	return resp
}

func (e *Engine) write(w http.ResponseWriter, r *http.Request, resp *Response) {
	defer func() { _ = resp.Close() }()

	h := w.Header()
	for k, v := range resp.Header {
		h[k] = v
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if resp.Body == nil || r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Debug("writing response body", "path", r.URL.Path, "error", err)
	}
}

// BadRequest is the response for a request whose URL cannot be used.
func BadRequest() *Response {
	resp := NewResponse(http.StatusBadRequest)
	resp.Header.Set("Cache-Control", provider.CacheControlFailure)
	return resp
}

var _ http.Handler = (*Engine)(nil)
