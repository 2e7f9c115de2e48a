package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/your-org/regime-allocator/internal/engine"
	"github.com/your-org/regime-allocator/internal/portfolio"
	"github.com/your-org/regime-allocator/internal/regime"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) State(ctx context.Context) (engine.PortfolioState, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.PortfolioState), args.Error(1)
}

func (m *mockController) ForceRebalance(ctx context.Context) (portfolio.AllocationSnapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(portfolio.AllocationSnapshot), args.Error(1)
}

func (m *mockController) ForceRegime(ctx context.Context, r regime.Regime) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockController) ClearFault(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockController) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func serve(t *testing.T, ctrl Controller, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(ctrl, nil).ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthCheckHandler(t *testing.T) {
	tests := []struct {
		name   string
		state  engine.PortfolioState
		err    error
		status int
		body   string
	}{
		{"running", engine.PortfolioState{Status: engine.StatusRunning}, nil, http.StatusOK, "OK"},
		{"shutting down", engine.PortfolioState{Status: engine.StatusShuttingDown}, nil, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"consumer gone", engine.PortfolioState{}, portfolio.ErrNotRunning, http.StatusServiceUnavailable, "UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := new(mockController)
			ctrl.On("State", mock.Anything).Return(tt.state, tt.err)

			rec := serve(t, ctrl, http.MethodGet, "/health")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}

func TestGetState(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("State", mock.Anything).Return(engine.PortfolioState{
		Status:           engine.StatusRunning,
		Tick:             12,
		CurrentRegime:    "SIDEWAYS_LOW_VOL",
		ActiveStrategies: []string{"mean_rev"},
		Weights:          map[string]float64{"mean_rev": 1},
	}, nil)

	rec := serve(t, ctrl, http.MethodGet, "/portfolio/state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got engine.PortfolioState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(12), got.Tick)
	assert.Equal(t, []string{"mean_rev"}, got.ActiveStrategies)
	ctrl.AssertExpectations(t)
}

func TestForceRebalance(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("ForceRebalance", mock.Anything).Return(portfolio.AllocationSnapshot{
		Mode: portfolio.ModeMaxDD, Weights: map[string]float64{"a": 0.5, "b": 0.5}, TriggerReason: "forced", Applied: true,
	}, nil).Once()
	ctrl.On("ForceRebalance", mock.Anything).Return(portfolio.AllocationSnapshot{}, portfolio.ErrNotRunning).Once()

	rec := serve(t, ctrl, http.MethodPost, "/portfolio/rebalance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trigger_reason":"forced"`)

	rec = serve(t, ctrl, http.MethodPost, "/portfolio/rebalance")
	assert.Equal(t, http.StatusConflict, rec.Code)
	ctrl.AssertExpectations(t)
}

func TestForceRegime(t *testing.T) {
	ctrl := new(mockController)
	bear, err := regime.Parse("BEAR_TREND_HIGH_VOL")
	require.NoError(t, err)
	ctrl.On("ForceRegime", mock.Anything, bear).Return(nil)

	rec := serve(t, ctrl, http.MethodPost, "/portfolio/regime/BEAR_TREND_HIGH_VOL")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"regime":"BEAR_TREND_HIGH_VOL"}`, rec.Body.String())

	rec = serve(t, ctrl, http.MethodPost, "/portfolio/regime/SIDEWAYS")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, ctrl, http.MethodGet, "/portfolio/regime/BEAR_TREND_HIGH_VOL")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	ctrl.AssertExpectations(t)
}

func TestClearFault(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("ClearFault", mock.Anything, "momentum").Return(nil)
	ctrl.On("ClearFault", mock.Anything, "ghost").Return(fmt.Errorf("%w: %q", portfolio.ErrUnknownStrategy, "ghost"))

	assert.Equal(t, http.StatusOK, serve(t, ctrl, http.MethodPost, "/portfolio/strategies/momentum/clear-fault").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, ctrl, http.MethodPost, "/portfolio/strategies/ghost/clear-fault").Code)
	ctrl.AssertExpectations(t)
}

func TestShutdown(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("Shutdown", mock.Anything).Return(nil).Once()
	ctrl.On("Shutdown", mock.Anything).Return(assert.AnError).Once()

	rec := serve(t, ctrl, http.MethodPost, "/portfolio/shutdown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"STOPPED"}`, rec.Body.String())

	rec = serve(t, ctrl, http.MethodPost, "/portfolio/shutdown")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	ctrl.AssertExpectations(t)
}

func TestShutdown_DetachedFromClientDisconnect(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("Shutdown", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	})).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/portfolio/shutdown", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	NewRouter(ctrl, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	ctrl.AssertExpectations(t)
}
