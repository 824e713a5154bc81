package client

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"sync"

	"github.com/Sternrassler/reqdispatch/pkg/dispatch"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"golang.org/x/net/html/charset"
)

// defaultCharset is assumed when the response names none.
const defaultCharset = "utf-8"

// StringRequest delivers the response body decoded as text using the
// charset from Content-Type.
type StringRequest struct {
	*dispatch.Base

	mu       sync.Mutex
	listener func(string)
}

// NewStringRequest creates a text request. Either listener may be nil.
func NewStringRequest(method, rawURL string, listener func(string), onError func(error)) *StringRequest {
	return &StringRequest{
		Base:     dispatch.NewBase(method, rawURL, onError),
		listener: listener,
	}
}

// ParseNetworkResponse decodes the body.
func (r *StringRequest) ParseNetworkResponse(resp *network.Response) (*dispatch.Response, error) {
	text, err := decodeText(resp)
	if err != nil {
		return nil, network.NewParseError(resp, err)
	}
	return dispatch.Success(text, dispatch.ParseCacheHeaders(resp)), nil
}

// DeliverResponse passes the text to the listener.
func (r *StringRequest) DeliverResponse(result any) {
	text, ok := result.(string)
	if !ok {
		r.DeliverError(unexpectedResult("string", result))
		return
	}
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener != nil {
		listener(text)
	}
}

// Cancel cancels the request and drops both listeners.
func (r *StringRequest) Cancel() {
	r.Base.Cancel()
	r.mu.Lock()
	r.listener = nil
	r.mu.Unlock()
}

func decodeText(resp *network.Response) (string, error) {
	name := defaultCharset
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if _, params, err := mime.ParseMediaType(ct); err == nil && params["charset"] != "" {
			name = params["charset"]
		}
	}

	name = strings.ToLower(strings.TrimSpace(name))
	if name == "utf-8" || name == "utf8" {
		return string(resp.Data), nil
	}

	enc, _ := charset.Lookup(name)
	if enc == nil {
		return "", fmt.Errorf("unsupported charset %q", name)
	}
	decoded, err := enc.NewDecoder().Bytes(resp.Data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return string(decoded), nil
}

// JSONRequest decodes a JSON body into a T.
type JSONRequest[T any] struct {
	*dispatch.Base

	mu       sync.Mutex
	listener func(T)
}

// NewJSONRequest creates a JSON request without a body.
func NewJSONRequest[T any](method, rawURL string, listener func(T), onError func(error)) *JSONRequest[T] {
	r := &JSONRequest[T]{
		Base:     dispatch.NewBase(method, rawURL, onError),
		listener: listener,
	}
	r.SetHeader("Accept", "application/json")
	return r
}

// NewJSONRequestWithBody creates a JSON request sending body encoded as
// JSON. Requests with a body are never cached or coalesced.
func NewJSONRequestWithBody[T any](method, rawURL string, body any, listener func(T), onError func(error)) (*JSONRequest[T], error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	r := NewJSONRequest[T](method, rawURL, listener, onError)
	r.SetBody(data, "application/json; charset=utf-8")
	r.SetShouldCache(false)
	return r, nil
}

// ParseNetworkResponse unmarshals the body.
func (r *JSONRequest[T]) ParseNetworkResponse(resp *network.Response) (*dispatch.Response, error) {
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		return nil, network.NewParseError(resp, err)
	}
	return dispatch.Success(v, dispatch.ParseCacheHeaders(resp)), nil
}

// DeliverResponse passes the decoded value to the listener.
func (r *JSONRequest[T]) DeliverResponse(result any) {
	v, ok := result.(T)
	if !ok {
		var zero T
		r.DeliverError(unexpectedResult(fmt.Sprintf("%T", zero), result))
		return
	}
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener != nil {
		listener(v)
	}
}

// Cancel cancels the request and drops both listeners.
func (r *JSONRequest[T]) Cancel() {
	r.Base.Cancel()
	r.mu.Lock()
	r.listener = nil
	r.mu.Unlock()
}

// RawRequest delivers the raw response: status, headers and body.
type RawRequest struct {
	*dispatch.Base

	mu       sync.Mutex
	listener func(*network.Response)
}

// NewRawRequest creates a raw request.
func NewRawRequest(method, rawURL string, listener func(*network.Response), onError func(error)) *RawRequest {
	return &RawRequest{
		Base:     dispatch.NewBase(method, rawURL, onError),
		listener: listener,
	}
}

// ParseNetworkResponse passes resp through.
func (r *RawRequest) ParseNetworkResponse(resp *network.Response) (*dispatch.Response, error) {
	return dispatch.Success(resp, dispatch.ParseCacheHeaders(resp)), nil
}

// DeliverResponse passes the response to the listener.
func (r *RawRequest) DeliverResponse(result any) {
	resp, ok := result.(*network.Response)
	if !ok {
		r.DeliverError(unexpectedResult("*network.Response", result))
		return
	}
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener != nil {
		listener(resp)
	}
}

// Cancel cancels the request and drops both listeners.
func (r *RawRequest) Cancel() {
	r.Base.Cancel()
	r.mu.Lock()
	r.listener = nil
	r.mu.Unlock()
}
