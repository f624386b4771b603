package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

func TestRequestLoggerRecordsStatusAndLevel(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{name: "ok", status: http.StatusOK, level: "INFO"},
		{name: "client error", status: http.StatusNotFound, level: "INFO"},
		{name: "server error", status: http.StatusServiceUnavailable, level: "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := &logging.Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
			h := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})))

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/inbox/stats", nil))

			var record map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
			assert.Equal(t, tt.level, record["level"])
			assert.Equal(t, "http", record["component"])
			assert.Equal(t, "/api/inbox/stats", record["path"])
			assert.EqualValues(t, tt.status, record["status"])
			assert.EqualValues(t, 4, record["bytes"])
			assert.NotEmpty(t, record["request_id"])
		})
	}
}
