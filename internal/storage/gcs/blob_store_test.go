package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/kr0osti/image-processor/internal/storage/gcs"
)

func newTestMirror(t *testing.T, handler http.Handler, cfg gcs.Config) *gcs.Mirror {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mirror, err := gcs.New(client, cfg)
	require.NoError(t, err)
	return mirror
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestMirror_PutObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "pixel-data")
		assert.Contains(t, string(body), "mirror/abc.png")
		_, _ = fmt.Fprintln(w, `{"name":"mirror/abc.png","bucket":"test-bucket"}`)
	})
	mirror := newTestMirror(t, handler, gcs.Config{Bucket: "test-bucket", Prefix: "/mirror/"})

	uri, err := mirror.PutObject(context.Background(), "abc.png", "image/png", strings.NewReader("pixel-data"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/mirror/abc.png", uri)
}

func TestMirror_PutObjectError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mirror := newTestMirror(t, handler, gcs.Config{Bucket: "test-bucket"})

	_, err := mirror.PutObject(context.Background(), "abc.png", "image/png", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestMirror_ObjectName(t *testing.T) {
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	bare, err := gcs.New(client, gcs.Config{Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "a.png", bare.ObjectName("a.png"))

	prefixed, err := gcs.New(client, gcs.Config{Bucket: "b", Prefix: "images"})
	require.NoError(t, err)
	assert.Equal(t, "images/a.png", prefixed.ObjectName("a.png"))
}
