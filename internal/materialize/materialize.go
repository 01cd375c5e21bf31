// Package materialize copies provider-hosted generation results into owned
// object storage. Provider URLs expire within hours; tasks are only marked
// completed once every surviving artifact lives under our own keys.
package materialize

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "atelier/internal/errors"
	"atelier/internal/logging"
	"atelier/internal/provider"
	"atelier/internal/task"
)

// RefScheme prefixes a storage key used as a task input parameter.
const RefScheme = "storage://"

// IsRef reports whether value is a storage reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefScheme)
}

// Key extracts the storage key from a reference.
func Key(ref string) string {
	return strings.TrimPrefix(ref, RefScheme)
}

// downloadTimeout bounds one artifact fetch from the provider.
const downloadTimeout = 2 * time.Minute

// objectKey builds the owned key for one artifact. Keys are scoped by
// organization then task so per-tenant cleanup stays a prefix delete.
func objectKey(scope task.Scope, item provider.ResultItem) string {
	ext := path.Ext(urlPath(item.URL))
	if ext == "" {
		ext = defaultExt(item.Kind)
	}
	return fmt.Sprintf("%s/%s/%s%s", scope.OrganizationID, scope.TaskID, uuid.New().String(), ext)
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func defaultExt(kind string) string {
	switch kind {
	case "image":
		return ".png"
	case "video":
		return ".mp4"
	case "audio", "music":
		return ".mp3"
	default:
		return ".bin"
	}
}

// fetch downloads one provider artifact. Network failures and 5xx are
// transient so the process-results step can be retried; a 4xx means the
// source URL already expired and retrying cannot help.
func fetch(ctx context.Context, client *http.Client, srcURL string) (io.ReadCloser, int64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		cancel()
		return nil, 0, "", xerrors.NewPermanent(err, "invalid artifact URL")
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, 0, "", xerrors.NewTransient(err, "download artifact failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, 0, "", xerrors.FromStatusCode(resp.StatusCode, fmt.Errorf("artifact download returned %d", resp.StatusCode))
	}
	body := &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return body, resp.ContentLength, resp.Header.Get("Content-Type"), nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var _ task.Materializer = (*MemoryMaterializer)(nil)

// MemoryMaterializer keeps artifacts in a map. Tests and single-node dev
// setups use it in place of object storage.
type MemoryMaterializer struct {
	client  *http.Client
	logger  logging.Logger
	objects map[string][]byte
}

// NewMemory returns an empty in-memory materializer. A nil client uses
// http.DefaultClient.
func NewMemory(client *http.Client, logger logging.Logger) *MemoryMaterializer {
	if client == nil {
		client = http.DefaultClient
	}
	return &MemoryMaterializer{
		client:  client,
		logger:  logging.OrNop(logger),
		objects: make(map[string][]byte),
	}
}

// Restore downloads the artifact and stores it under an owned key.
func (m *MemoryMaterializer) Restore(ctx context.Context, scope task.Scope, item provider.ResultItem) (task.ResultItem, error) {
	body, _, _, err := fetch(ctx, m.client, item.URL)
	if err != nil {
		return task.ResultItem{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return task.ResultItem{}, xerrors.NewTransient(err, "read artifact failed")
	}

	key := objectKey(scope, item)
	m.objects[key] = data
	m.logger.Debug("materialized %s (%d bytes)", key, len(data))
	return task.ResultItem{StorageKey: key, Kind: item.Kind}, nil
}

// SignURL returns a synthetic URL; the in-memory store has no real signer.
func (m *MemoryMaterializer) SignURL(_ context.Context, storageKey string, _ time.Duration) (string, error) {
	if _, ok := m.objects[storageKey]; !ok {
		return "", fmt.Errorf("storage key %q not found", storageKey)
	}
	return "memory://" + storageKey, nil
}

// Object returns a stored artifact, for tests.
func (m *MemoryMaterializer) Object(key string) ([]byte, bool) {
	data, ok := m.objects[key]
	return data, ok
}

// Put stores an artifact directly, for seeding test inputs.
func (m *MemoryMaterializer) Put(key string, data []byte) {
	m.objects[key] = data
}
