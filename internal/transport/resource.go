package transport

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Pagination is the metadata block of a collection response. HasMore is only
// set when the server states it explicitly.
type Pagination struct {
	Current int   `json:"current"`
	Pages   int   `json:"pages"`
	Total   int   `json:"total"`
	HasMore *bool `json:"hasMore,omitempty"`
}

// Page is one collection response: {items, pagination?}.
type Page[T any] struct {
	Items      []T         `json:"items"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// Resource binds a resource kind ("bookings", "messages") to the /v1/{kind}
// routes of the client.
type Resource[T any] struct {
	client *HTTPClient
	kind   string
}

func NewResource[T any](client *HTTPClient, kind string) *Resource[T] {
	return &Resource[T]{client: client, kind: strings.Trim(strings.TrimSpace(kind), "/")}
}

func (r *Resource[T]) Kind() string {
	return r.kind
}

func (r *Resource[T]) List(ctx context.Context, query url.Values, page, pageSize int) (Page[T], error) {
	params := url.Values{}
	for key, values := range query {
		params[key] = append([]string(nil), values...)
	}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		params.Set("pageSize", strconv.Itoa(pageSize))
	}
	var out Page[T]
	err := r.client.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   r.collectionPath(),
		Query:  params,
	}, &out)
	return out, err
}

func (r *Resource[T]) Get(ctx context.Context, id string) (T, error) {
	var out envelope[T]
	err := r.client.Do(ctx, Request{Method: http.MethodGet, Path: r.itemPath(id)}, &out)
	return out.Data, err
}

func (r *Resource[T]) Create(ctx context.Context, data T) (T, error) {
	var out envelope[T]
	err := r.client.Do(ctx, Request{Method: http.MethodPost, Path: r.collectionPath(), Body: data}, &out)
	return out.Data, err
}

func (r *Resource[T]) Update(ctx context.Context, id string, data T) (T, error) {
	var out envelope[T]
	err := r.client.Do(ctx, Request{Method: http.MethodPut, Path: r.itemPath(id), Body: data}, &out)
	return out.Data, err
}

// UpdateIfMatch sends the update guarded by a revision; the server answers 409
// when the stored revision moved on.
func (r *Resource[T]) UpdateIfMatch(ctx context.Context, id, revision string, data T) (T, error) {
	var out envelope[T]
	req := Request{Method: http.MethodPut, Path: r.itemPath(id), Body: data}
	if revision = strings.TrimSpace(revision); revision != "" {
		req.Headers = map[string]string{"If-Match": revision}
	}
	err := r.client.Do(ctx, req, &out)
	return out.Data, err
}

func (r *Resource[T]) Delete(ctx context.Context, id string) error {
	return r.client.Do(ctx, Request{Method: http.MethodDelete, Path: r.itemPath(id)}, nil)
}

func (r *Resource[T]) collectionPath() string {
	return "/v1/" + url.PathEscape(r.kind)
}

func (r *Resource[T]) itemPath(id string) string {
	return r.collectionPath() + "/" + url.PathEscape(id)
}
