package cmd

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--cache-dir", t.TempDir() + "/CacheStorage", "--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestFetchCommand(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 7, 5))))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/poster.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	out, err := execute(t, "fetch", "--metrics", srv.URL+"/poster.png", srv.URL+"/missing.png")
	require.Error(t, err, "one image failed")
	assert.Contains(t, out, srv.URL+"/poster.png\tpng\t7x5")
	assert.Contains(t, out, srv.URL+"/missing.png\tplaceholder")
	assert.Contains(t, out, `imgcache_lookups_total{source="network"} 1`)
	assert.Contains(t, out, `imgcache_fetch_errors_total{stage="network"} 1`)
}

func TestKeyCommand(t *testing.T) {
	out, err := execute(t, "key", "https://cdn.example/poster.png")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^key:\s+[0-9a-f]{64}$`, lines[0])
	assert.Contains(t, lines[1], "CacheStorage")
	assert.Contains(t, lines[2], "false")
}

func TestStatsCommand(t *testing.T) {
	out, err := execute(t, "stats", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"entries": 0`)
}

func TestPushRequiresRef(t *testing.T) {
	_, err := execute(t, "push")
	assert.Error(t, err)
}
