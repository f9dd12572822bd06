package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/failure"
)

// newHTTPClient copies base, or builds a client when base is nil, and
// applies the download timeout. A fresh client also serves file:// URLs
// below fileRoot when one is set.
func newHTTPClient(base *http.Client, fileRoot string, timeout time.Duration) *http.Client {
	var c http.Client
	if base != nil {
		c = *base
	} else {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if fileRoot != "" {
			transport.RegisterProtocol("file", rootedFileTransport{
				root: fileRoot,
				next: http.NewFileTransport(http.Dir("/")),
			})
		}
		c.Transport = transport
	}
	if timeout > 0 {
		c.Timeout = timeout
	}
	return &c
}

// rootedFileTransport refuses file:// requests outside root.
type rootedFileTransport struct {
	root string
	next http.RoundTripper
}

func (t rootedFileTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	p := filepath.Clean(filepath.FromSlash(req.URL.Path))
	rel, err := filepath.Rel(t.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("file %s is outside the local object store", p)
	}
	return t.next.RoundTrip(req)
}

// download streams url into dst.
func (e *Engine) download(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, failure.Wrap(err, failure.Download, "invalid source url").WithContext("url", url)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, failure.Wrap(err, failure.Download, "fetch source").WithContext("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, failure.Newf(failure.Download, "fetch source: HTTP %d", resp.StatusCode).WithContext("url", url)
	}

	f, err := os.Create(dst)
	if err != nil {
		return 0, failure.Wrap(err, failure.Download, "create scratch file")
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, failure.Wrap(err, failure.Download, fmt.Sprintf("read source after %d bytes", n)).WithContext("url", url)
	}
	e.logger.Debug("downloaded %d bytes from %s", n, url)
	return n, nil
}
