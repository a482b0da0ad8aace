package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm.log")
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	all := func(string) bool { return true }
	lines, err := tailLines(path, 3, all)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 7", "line 8", "line 9"}, lines)

	lines, err = tailLines(path, 20, all)
	require.NoError(t, err)
	assert.Len(t, lines, 10)

	_, err = tailLines(filepath.Join(t.TempDir(), "missing.log"), 3, all)
	assert.Error(t, err)
}

func TestTailLogsFilters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "farm.log")
	content := strings.Join([]string{
		`time="2026-01-01 10:00:00" level=info msg="Device allocated" udid=PX7`,
		`time="2026-01-01 10:00:01" level=warn msg="Stale lease reclaimed" udid=PX7`,
		`{"level":"warn","msg":"Stale lease reclaimed","udid":"emulator-5554"}`,
		`time="2026-01-01 10:00:02" level=info msg="Reconcile finished"`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r := gin.New()
	r.GET("/logs", NewLogsHandler(path).TailLogs)

	get := func(query string) []string {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/logs?"+query, nil))
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data struct {
				Lines []string `json:"lines"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp.Data.Lines
	}

	assert.Len(t, get("udid=PX7"), 2)
	assert.Len(t, get("level=warn"), 2)
	assert.Len(t, get("udid=PX7&level=warn"), 1)
	assert.Len(t, get("limit=1"), 1)
}
