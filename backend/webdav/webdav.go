// Package webdav implements the ChunkBackend contract against a WebDAV
// collection over plain net/http, in the style of rclone's
// backend/webdav/webdav.go: the pack carries no dedicated WebDAV client
// library, and rclone's own WebDAV driver is a hand-rolled REST client,
// so this follows the same approach rather than reaching for a stdlib
// shortcut of convenience.
package webdav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/DurantVivado/cloudraidfs/backend"
)

// Backend talks to one WebDAV endpoint, storing each chunk as a
// member of BaseURL named by the same convention as the local and
// spool naming scheme.
type Backend struct {
	name     string
	baseURL  string
	username string
	password string

	client *http.Client

	mu        sync.Mutex
	mkcolDone bool
}

// New creates a WebDAV-backed ChunkBackend rooted at baseURL.
func New(name, baseURL, username, password string) *Backend {
	return &Backend{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{},
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) objectURL(stripeID uint64, chunkIndex int) string {
	key := fmt.Sprintf("stripe_%020d_chunk_%02d.dat", stripeID, chunkIndex)
	return b.baseURL + "/" + url.PathEscape(key)
}

func (b *Backend) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if b.username != "" {
		req.SetBasicAuth(b.username, b.password)
	}
	return req, nil
}

// ensureCollection issues a single best-effort MKCOL for the base
// collection; WebDAV servers return 405 if it already exists, which is
// treated as success.
func (b *Backend) ensureCollection(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mkcolDone {
		return
	}
	req, err := b.newRequest(ctx, "MKCOL", b.baseURL+"/", nil)
	if err == nil {
		resp, err := b.client.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}
	b.mkcolDone = true
}

func (b *Backend) Read(ctx context.Context, stripeID uint64, chunkIndex int) ([]byte, error) {
	req, err := b.newRequest(ctx, http.MethodGet, b.objectURL(stripeID, chunkIndex), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, backend.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webdav backend %s: GET %s: status %d", b.name, req.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, backend.ErrNotFound
	}
	return data, nil
}

func (b *Backend) Write(ctx context.Context, stripeID uint64, chunkIndex int, data []byte) error {
	b.ensureCollection(ctx)
	req, err := b.newRequest(ctx, http.MethodPut, b.objectURL(stripeID, chunkIndex), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webdav backend %s: PUT %s: status %d", b.name, req.URL, resp.StatusCode)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, stripeID uint64, chunkIndex int) error {
	req, err := b.newRequest(ctx, http.MethodDelete, b.objectURL(stripeID, chunkIndex), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webdav backend %s: DELETE %s: status %d", b.name, req.URL, resp.StatusCode)
	}
	return nil
}
