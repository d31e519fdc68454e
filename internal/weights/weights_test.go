package weights

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultURLs(t *testing.T) {
	urls := DefaultURLs()
	assert.Contains(t, urls["CPCV2-resnet18"], "resnet18_version_6")
	assert.Contains(t, urls["vae-imagenet"], "vae/version_0")

	urls["CPCV2-resnet18"] = "changed"
	assert.NotEqual(t, "changed", DefaultURLs()["CPCV2-resnet18"])
}

func TestURLLookup(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	assert.Equal(t, []string{"CPCV2-resnet18", "vae-imagenet"}, s.Names())

	_, err := s.URL("CPCV2-resnet18")
	require.NoError(t, err)

	_, err = s.URL("CPCV2-resnet50")
	require.ErrorIs(t, err, ErrWeightsNotFound)
	assert.Contains(t, err.Error(), "CPCV2-resnet50")
}

func TestFetchDownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("weights"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s := NewStore(dir, map[string]string{"m": srv.URL + "/ckpt/epoch%3D2.ckpt"}, WithHTTPClient(srv.Client()))

	p, err := s.Fetch(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m-epoch-2.ckpt"), p)
	body, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(body))

	_, err = s.Fetch(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	local := filepath.Join(dir, "local.safetensors")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	s := NewStore(dir, map[string]string{
		"missing-remote": srv.URL + "/nope.ckpt",
		"local":          local,
		"file":           "file://" + local,
		"gone":           filepath.Join(dir, "gone.safetensors"),
		"ftp":            "ftp://example.com/x",
	}, WithHTTPClient(srv.Client()))

	_, err := s.Fetch(context.Background(), "missing-remote")
	assert.ErrorContains(t, err, "404")

	p, err := s.Fetch(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, local, p)

	p, err = s.Fetch(context.Background(), "file")
	require.NoError(t, err)
	assert.Equal(t, local, p)

	_, err = s.Fetch(context.Background(), "gone")
	assert.Error(t, err)

	_, err = s.Fetch(context.Background(), "ftp")
	assert.ErrorContains(t, err, "unsupported scheme")

	_, err = s.Fetch(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrWeightsNotFound)
}
