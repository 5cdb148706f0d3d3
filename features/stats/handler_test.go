package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockJobRepo struct{ mock.Mock }

func (m *MockJobRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type fixedDispatcher int

func (d fixedDispatcher) Active() int { return int(d) }

type fixedSubscribers int

func (s fixedSubscribers) Subscribers() int { return int(s) }

func TestHandler_GetStats_Table(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockJobRepo)
		wantStatus int
		wantError  bool
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(j *MockJobRepo) {
				j.On("Count", mock.Anything).Return(5, nil)
			},
			wantStatus: http.StatusOK,
			wantError:  false,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.EqualValues(t, 3, data["active_ingestions"])
				assert.EqualValues(t, 5, data["failed_jobs"])
				assert.EqualValues(t, 7, data["subscribers"])
			},
		},
		{
			name: "JobRepo Error",
			setupMocks: func(j *MockJobRepo) {
				j.On("Count", mock.Anything).Return(0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := new(MockJobRepo)
			tt.setupMocks(j)

			h := NewHandler(j, fixedDispatcher(3), fixedSubscribers(7))
			req := httptest.NewRequest("GET", "/stats", nil)
			w := httptest.NewRecorder()

			h.GetStats(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)

			var body map[string]interface{}
			err := json.Unmarshal(w.Body.Bytes(), &body)
			assert.NoError(t, err)

			if tt.wantError {
				assert.Contains(t, body, "error")
			} else if tt.checkBody != nil {
				tt.checkBody(t, body)
			}
			j.AssertExpectations(t)
		})
	}
}
