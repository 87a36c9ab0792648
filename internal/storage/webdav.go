package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/alexjbarnes/notesync/internal/remotekey"
	"github.com/studio-b12/gowebdav"
)

// WebDAV stores notes as files on a WebDAV server. Folders are real
// collections; List reports them with the same placeholder keys the S3
// adapter uses so both backends reconcile the same way.
type WebDAV struct {
	client  *gowebdav.Client
	url     string
	guard   *Guard
	timeout time.Duration
}

// NewWebDAV builds a WebDAV adapter rooted at rawURL.
func NewWebDAV(rawURL, username, password string, guard *Guard, timeout time.Duration) *WebDAV {
	c := gowebdav.NewClient(rawURL, username, password)
	c.SetTimeout(timeout)
	c.SetTransport(guard.Transport(timeout))

	return &WebDAV{client: c, url: rawURL, guard: guard, timeout: timeout}
}

// preflight runs the egress check. gowebdav has no context support, so
// the per-call deadline is the client timeout set in NewWebDAV.
func (a *WebDAV) preflight(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	return a.guard.CheckURL(ctx, a.url)
}

func (a *WebDAV) Upsert(ctx context.Context, key string, content []byte, isFolder bool) error {
	if err := a.preflight(ctx); err != nil {
		return err
	}

	if isFolder {
		dir := davPath(remotekey.TrimFolderMarker(key))
		if err := a.mkdirAll(dir); err != nil {
			return fmt.Errorf("webdav mkcol %s: %w", dir, err)
		}

		return nil
	}

	p := davPath(key)
	if err := a.client.Write(p, content, 0o644); err != nil {
		return fmt.Errorf("webdav put %s: %w", p, err)
	}

	return nil
}

// mkdirAll creates dir and its parents. Some servers answer MKCOL on an
// existing collection with an error, so an existing directory counts as
// success.
func (a *WebDAV) mkdirAll(dir string) error {
	err := a.client.MkdirAll(dir, 0o755)
	if err == nil {
		return nil
	}

	if fi, statErr := a.client.Stat(dir); statErr == nil && fi.IsDir() {
		return nil
	}

	return err
}

func (a *WebDAV) Delete(ctx context.Context, key string) error {
	if err := a.preflight(ctx); err != nil {
		return err
	}

	p := davPath(key)
	if remotekey.IsFolderKey(key) {
		p = davPath(remotekey.TrimFolderMarker(key))
	}

	if err := a.client.RemoveAll(p); err != nil && !gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("webdav delete %s: %w", p, err)
	}

	return nil
}

func (a *WebDAV) List(ctx context.Context, prefix string) ([]string, error) {
	if err := a.preflight(ctx); err != nil {
		return nil, err
	}

	root := davPath(strings.TrimSuffix(prefix, "/"))

	var keys []string
	if err := a.walk(ctx, root, &keys); err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("webdav list %s: %w", root, err)
	}

	return keys, nil
}

func (a *WebDAV) walk(ctx context.Context, dir string, keys *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := a.client.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, fi := range infos {
		p := path.Join(dir, fi.Name())
		key := strings.TrimPrefix(p, "/")

		if !fi.IsDir() {
			*keys = append(*keys, key)
			continue
		}

		*keys = append(*keys, key+"/"+remotekey.FolderMarker)

		if err := a.walk(ctx, p, keys); err != nil && !gowebdav.IsErrNotFound(err) {
			return err
		}
	}

	return nil
}

func (a *WebDAV) Check(ctx context.Context) error {
	if err := a.preflight(ctx); err != nil {
		return err
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("webdav connect: %w", err)
	}

	return nil
}

func davPath(key string) string {
	return "/" + strings.TrimPrefix(key, "/")
}
