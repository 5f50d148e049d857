package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type documents map[string]func(base string) any

func serve(t *testing.T, docs documents) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, AcceptHeader, r.Header.Get("Accept"))
		fn, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(fn(srv.URL))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func collect(t *testing.T, c *Client, url string) ([]string, error) {
	t.Helper()
	var out []string
	for doc, err := range Range(context.Background(), c, url) {
		if err != nil {
			return out, err
		}
		out = append(out, doc.Content())
	}
	return out, nil
}

func TestRangeInlineItems(t *testing.T) {
	srv, _ := serve(t, documents{
		"/c": func(string) any {
			return map[string]any{"type": "OrderedCollection", "orderedItems": []any{
				map[string]any{"content": "a"},
				map[string]any{"content": "b"},
			}}
		},
	})

	got, err := collect(t, NewClient(""), srv.URL+"/c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRangeLinkedPagesAndItems(t *testing.T) {
	srv, _ := serve(t, documents{
		"/c": func(base string) any {
			return map[string]any{"type": "OrderedCollection", "first": base + "/p1"}
		},
		"/p1": func(base string) any {
			return map[string]any{
				"id":           base + "/p1",
				"type":         "OrderedCollectionPage",
				"orderedItems": []any{map[string]any{"content": "a"}, base + "/item"},
				"next":         base + "/p2",
			}
		},
		"/p2": func(base string) any {
			return map[string]any{
				"type":  "CollectionPage",
				"items": []any{map[string]any{"content": "c"}},
				"next":  base + "/p1",
			}
		},
		"/item": func(string) any { return map[string]any{"content": "b"} },
	})

	got, err := collect(t, NewClient(""), srv.URL+"/c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRangeEmbeddedFirstPage(t *testing.T) {
	srv, _ := serve(t, documents{
		"/c": func(base string) any {
			return map[string]any{
				"type": "Collection",
				"first": map[string]any{
					"type":  "CollectionPage",
					"items": []any{map[string]any{"content": "x"}},
				},
			}
		},
	})

	got, err := collect(t, NewClient(""), srv.URL+"/c")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)
}

func TestRangeIsLazy(t *testing.T) {
	srv, requests := serve(t, documents{
		"/c": func(base string) any {
			return map[string]any{"orderedItems": []any{map[string]any{"content": "a"}}, "next": base + "/p2"}
		},
		"/p2": func(string) any {
			return map[string]any{"orderedItems": []any{map[string]any{"content": "b"}}}
		},
	})

	for range Range(context.Background(), NewClient(""), srv.URL+"/c") {
		break
	}
	assert.Equal(t, int32(1), requests.Load())
}

func TestRangeReportsStatusError(t *testing.T) {
	srv, _ := serve(t, documents{})

	_, err := collect(t, NewClient(""), srv.URL+"/missing")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestClientSendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, ContentType, r.Header.Get("Content-Type"))
		w.Header().Set("Location", "https://a.example/created/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	loc, err := NewClient("s3cret").Post(context.Background(), srv.URL, map[string]string{"type": "Create"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "https://a.example/created/1", loc)
}
