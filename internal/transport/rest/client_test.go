package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport"
)

func TestList_FollowsPages(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/collections/order/records", r.URL.Path)
		assert.Equal(t, "2025-03-01", r.URL.Query().Get("from_date"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		page := r.URL.Query().Get("page")
		seen = append(seen, page)
		fmt.Fprintf(w, `{"page":%s,"totalPages":2,"items":[{"id":"o%s"}]}`, page, page)
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithPerPage(1))
	require.NoError(t, err)

	items, err := c.List(context.Background(), "order", transport.Query{"from_date": "2025-03-01"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"id":"o1"}`, string(items[0]))
	assert.JSONEq(t, `{"id":"o2"}`, string(items[1]))
	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestList_WithoutPaginationMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"id":"i1"},{"id":"i2"}]}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	items, err := c.List(context.Background(), "item", nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCreate_SendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"title":"Hi","subtitle":"there"}`, string(body))
		fmt.Fprint(w, `{"id":"m1","title":"Hi","subtitle":"there"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	rec, err := c.Create(context.Background(), "message", codec.EncodeMessage(codec.Message{Title: "Hi", Subtitle: "there"}))
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec, &got))
	assert.Equal(t, "m1", got["id"])
}

func TestUpdate_MultipartAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/base/api/collections/item/records/i1", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Latte", r.FormValue("name"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL + "/base/")
	require.NoError(t, err)

	item := codec.Item{Name: "Latte", ImageUpload: &codec.File{Name: "a.png", Data: []byte("x")}}
	rec, err := c.Update(context.Background(), "item", "i1", codec.EncodeItem(item))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	err = c.Delete(context.Background(), "order", ir.RecordID("o1"))
	require.Error(t, err)

	var se *transport.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, http.MethodDelete, se.Method)
	assert.Contains(t, se.Body, "forbidden")
}
