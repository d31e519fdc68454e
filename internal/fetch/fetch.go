// Package fetch downloads remote files into place atomically and unpacks
// the gzip and tar.gz archives that model and dataset mirrors publish.
package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Client downloads files. The zero value uses http.DefaultClient and
// slog.Default().
type Client struct {
	HTTP   *http.Client
	Logger *slog.Logger
}

func (c *Client) http() *http.Client {
	if c == nil || c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) logger() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Download GETs src into dst. The body is written to a temporary file next
// to dst and renamed on success, so dst never holds a partial download.
func (c *Client) Download(ctx context.Context, src, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: unexpected status %s", src, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, err
	}
	c.logger().Info("downloaded", "url", src, "path", dst, "bytes", n)
	return n, nil
}

// DownloadOnce downloads src into dst unless dst already exists.
func (c *Client) DownloadOnce(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		c.logger().Debug("cache hit", "path", dst)
		return nil
	}
	_, err := c.Download(ctx, src, dst)
	return err
}

// Gunzip decompresses the gzip file src into dst.
func Gunzip(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", filepath.Base(src), err)
	}
	defer zr.Close()
	if err := writeAtomic(dst, zr); err != nil {
		return fmt.Errorf("gunzip %s: %w", filepath.Base(src), err)
	}
	return nil
}

// ErrMembersMissing is returned by UntarGz when wanted files are absent from
// the archive.
var ErrMembersMissing = errors.New("archive members missing")

// UntarGz extracts the regular files of the tar.gz archive src whose base
// name is in names into dir, dropping the archive's directory prefix.
func UntarGz(src, dir string, names ...string) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("untar %s: %w", filepath.Base(src), err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for len(want) > 0 {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("untar %s: %w", filepath.Base(src), err)
		}
		base := path.Base(h.Name)
		if h.Typeflag != tar.TypeReg || !want[base] {
			continue
		}
		if err := writeAtomic(filepath.Join(dir, base), tr); err != nil {
			return fmt.Errorf("untar %s: %s: %w", filepath.Base(src), base, err)
		}
		delete(want, base)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return fmt.Errorf("untar %s: %w: %v", filepath.Base(src), ErrMembersMissing, missing)
	}
	return nil
}

func writeAtomic(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".extract-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
