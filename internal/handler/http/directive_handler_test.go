package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniorder/omniorder/internal/directive"
	handlerhttp "github.com/omniorder/omniorder/internal/handler/http"
)

type mockDirectiveStore struct {
	getByIDFunc      func(ctx context.Context, id int64) (*directive.Directive, error)
	listByStatusFunc func(ctx context.Context, status directive.Status, limit int) ([]directive.Directive, error)
	requeueFunc      func(ctx context.Context, id int64, availableAt time.Time, lastError string) error

	requeuedID int64
}

func (m *mockDirectiveStore) GetByID(ctx context.Context, id int64) (*directive.Directive, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockDirectiveStore) ListByStatus(ctx context.Context, status directive.Status, limit int) ([]directive.Directive, error) {
	return m.listByStatusFunc(ctx, status, limit)
}

func (m *mockDirectiveStore) Requeue(ctx context.Context, id int64, availableAt time.Time, lastError string) error {
	m.requeuedID = id
	if m.requeueFunc != nil {
		return m.requeueFunc(ctx, id, availableAt, lastError)
	}
	return nil
}

func newDirectiveRouter(store *mockDirectiveStore) *chi.Mux {
	router := chi.NewRouter()
	handlerhttp.NewDirectiveHandler(store).RegisterRoutes(router)
	return router
}

func TestListDirectives(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		wantStatus     directive.Status
		wantLimit      int
		wantHTTPStatus int
	}{
		{
			name:           "defaults to failed",
			url:            "/directives",
			wantStatus:     directive.StatusFailed,
			wantLimit:      100,
			wantHTTPStatus: http.StatusOK,
		},
		{
			name:           "explicit status and limit",
			url:            "/directives?status=queued&limit=10",
			wantStatus:     directive.StatusQueued,
			wantLimit:      10,
			wantHTTPStatus: http.StatusOK,
		},
		{
			name:           "unknown status rejected",
			url:            "/directives?status=bogus",
			wantHTTPStatus: http.StatusBadRequest,
		},
		{
			name:           "limit out of range rejected",
			url:            "/directives?limit=5000",
			wantHTTPStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotStatus directive.Status
			var gotLimit int
			store := &mockDirectiveStore{
				listByStatusFunc: func(_ context.Context, status directive.Status, limit int) ([]directive.Directive, error) {
					gotStatus = status
					gotLimit = limit
					return []directive.Directive{}, nil
				},
			}

			rec := httptest.NewRecorder()
			newDirectiveRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

			assert.Equal(t, tt.wantHTTPStatus, rec.Code)
			if tt.wantHTTPStatus == http.StatusOK {
				assert.Equal(t, tt.wantStatus, gotStatus)
				assert.Equal(t, tt.wantLimit, gotLimit)
			}
		})
	}
}

func TestRequeueDirective(t *testing.T) {
	failed := &directive.Directive{ID: 42, Topic: "stock.hold", Status: directive.StatusFailed}
	queued := &directive.Directive{ID: 43, Topic: "stock.hold", Status: directive.StatusQueued}

	tests := []struct {
		name           string
		url            string
		stored         *directive.Directive
		storeErr       error
		wantHTTPStatus int
		wantRequeued   int64
	}{
		{
			name:           "failed directive requeued",
			url:            "/directives/42/requeue",
			stored:         failed,
			wantHTTPStatus: http.StatusOK,
			wantRequeued:   42,
		},
		{
			name:           "non-failed directive rejected",
			url:            "/directives/43/requeue",
			stored:         queued,
			wantHTTPStatus: http.StatusConflict,
		},
		{
			name:           "unknown directive",
			url:            "/directives/7/requeue",
			storeErr:       directive.ErrDirectiveNotFound,
			wantHTTPStatus: http.StatusNotFound,
		},
		{
			name:           "non-numeric id",
			url:            "/directives/abc/requeue",
			wantHTTPStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockDirectiveStore{
				getByIDFunc: func(_ context.Context, _ int64) (*directive.Directive, error) {
					if tt.storeErr != nil {
						return nil, tt.storeErr
					}
					return tt.stored, nil
				},
			}

			rec := httptest.NewRecorder()
			newDirectiveRouter(store).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.url, nil))

			assert.Equal(t, tt.wantHTTPStatus, rec.Code)
			assert.Equal(t, tt.wantRequeued, store.requeuedID)

			if tt.wantHTTPStatus == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "queued", body["status"])
			}
		})
	}
}
