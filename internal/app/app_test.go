package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patentdesk/backend/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:             t.TempDir(),
		ModelChain:          "openai/gpt-4o-mini",
		MaxTokensPerSegment: 6500,
		OverlapTokens:       500,
		ExtractorURL:        "http://localhost:0",
		DispatchConcurrency: 2,
		PollWindowSeconds:   5,
		PollLimitPerWindow:  10,
		ServerPort:          8081,
	}
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, err := New(testConfig(t), db, nil)
	require.NoError(t, err)
	assert.NotNil(t, a.Handler)
	assert.NotNil(t, a.Runner)
	assert.NotNil(t, a.Consumer)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_RejectsBadModelChain(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	cfg.ModelChain = "not-a-model"
	_, err = New(cfg, db, nil)
	assert.Error(t, err)
}

func TestRoutes_SubmitValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, err := New(testConfig(t), db, nil)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/jobs/optimization", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code, "missing owner and content must be rejected synchronously")
}

func TestRoutes_CORSHeaders(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, err := New(testConfig(t), db, nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/jobs", nil)
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
