package materialize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "atelier/internal/errors"
	"atelier/internal/provider"
	"atelier/internal/task"
)

func TestRestoreDownloadsIntoOwnedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	m := NewMemory(srv.Client(), nil)
	scope := task.Scope{OrganizationID: "org-1", TaskID: "task-1"}

	item, err := m.Restore(context.Background(), scope, provider.ResultItem{
		URL:  srv.URL + "/outputs/result.png",
		Kind: "image",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(item.StorageKey, "org-1/task-1/"))
	assert.True(t, strings.HasSuffix(item.StorageKey, ".png"))
	assert.Equal(t, "image", item.Kind)

	data, ok := m.Object(item.StorageKey)
	require.True(t, ok)
	assert.Equal(t, "png-bytes", string(data))
}

func TestRestoreExpiredSourceIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	m := NewMemory(srv.Client(), nil)
	_, err := m.Restore(context.Background(), task.Scope{OrganizationID: "org-1", TaskID: "task-1"}, provider.ResultItem{
		URL:  srv.URL + "/gone.png",
		Kind: "image",
	})
	require.Error(t, err)
	assert.False(t, xerrors.IsTransient(err))
}

func TestRestoreServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewMemory(srv.Client(), nil)
	_, err := m.Restore(context.Background(), task.Scope{OrganizationID: "org-1", TaskID: "task-1"}, provider.ResultItem{
		URL:  srv.URL + "/flaky.mp4",
		Kind: "video",
	})
	require.Error(t, err)
	assert.True(t, xerrors.IsTransient(err))
}

func TestRestoreDefaultsExtensionByKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	m := NewMemory(srv.Client(), nil)
	item, err := m.Restore(context.Background(), task.Scope{OrganizationID: "org-1", TaskID: "task-1"}, provider.ResultItem{
		URL:  srv.URL + "/result", // no extension in path
		Kind: "video",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(item.StorageKey, ".mp4"))
}

func TestSignURLUnknownKey(t *testing.T) {
	m := NewMemory(nil, nil)
	_, err := m.SignURL(context.Background(), "org-1/task-1/missing.png", time.Minute)
	assert.Error(t, err)
}

func TestSignURLKnownKey(t *testing.T) {
	m := NewMemory(nil, nil)
	m.Put("org-1/inputs/ref.png", []byte("ref"))

	signed, err := m.SignURL(context.Background(), "org-1/inputs/ref.png", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://org-1/inputs/ref.png", signed)
}

func TestStorageRefHelpers(t *testing.T) {
	assert.True(t, IsRef("storage://org-1/inputs/ref.png"))
	assert.False(t, IsRef("https://cdn.example/ref.png"))
	assert.Equal(t, "org-1/inputs/ref.png", Key("storage://org-1/inputs/ref.png"))
}
