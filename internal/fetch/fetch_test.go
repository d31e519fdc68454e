package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarGzBytes(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "root/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := &Client{HTTP: srv.Client()}
	dst := filepath.Join(dir, "sub", "file")
	n, err := c.Download(context.Background(), srv.URL+"/ok", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	body, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	_, err = c.Download(context.Background(), srv.URL+"/missing", filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "404")
	assert.NoFileExists(t, filepath.Join(dir, "missing"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Download(ctx, srv.URL+"/ok", filepath.Join(dir, "cancelled"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDownloadOnceSkipsExisting(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "f")
	var c Client
	c.HTTP = srv.Client()
	require.NoError(t, c.DownloadOnce(context.Background(), srv.URL, dst))
	require.NoError(t, c.DownloadOnce(context.Background(), srv.URL, dst))
	assert.Equal(t, 1, hits)
}

func TestGunzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.gz")
	require.NoError(t, os.WriteFile(src, gzipBytes(t, []byte("hello")), 0o644))

	require.NoError(t, Gunzip(src, filepath.Join(dir, "a")))
	body, err := os.ReadFile(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	bad := filepath.Join(dir, "bad.gz")
	require.NoError(t, os.WriteFile(bad, []byte("not gzip"), 0o644))
	assert.Error(t, Gunzip(bad, filepath.Join(dir, "bad")))
}

func TestUntarGz(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.tar.gz")
	require.NoError(t, os.WriteFile(src, tarGzBytes(t, map[string][]byte{
		"root/one.bin":   []byte("1"),
		"root/two.bin":   []byte("22"),
		"root/other.txt": []byte("skip"),
	}), 0o644))

	out := t.TempDir()
	require.NoError(t, UntarGz(src, out, "one.bin", "two.bin"))
	body, err := os.ReadFile(filepath.Join(out, "two.bin"))
	require.NoError(t, err)
	assert.Equal(t, "22", string(body))
	assert.NoFileExists(t, filepath.Join(out, "other.txt"))

	err = UntarGz(src, out, "one.bin", "three.bin")
	require.ErrorIs(t, err, ErrMembersMissing)
	assert.Contains(t, err.Error(), "three.bin")
}
