package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/config"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/interfaces/http/handlers"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence"
)

const testToken = "test-token-123"

// metrics register against the process-global prometheus registry, so the
// test binary shares one instance.
var testMetrics = monitoring.NewMetricsRegistry()

// stubTrades overrides only the methods the routes under test reach; the
// embedded interface panics on anything else, which is the point.
type stubTrades struct {
	persistence.TradesRepo
	findByID func(ctx context.Context, id string) (*domain.Trade, error)
	listOpen func(ctx context.Context, userBrokerID string) ([]domain.Trade, error)
}

func (s *stubTrades) FindByID(ctx context.Context, id string) (*domain.Trade, error) {
	return s.findByID(ctx, id)
}

func (s *stubTrades) ListOpen(ctx context.Context, userBrokerID string) ([]domain.Trade, error) {
	return s.listOpen(ctx, userBrokerID)
}

type stubBrokers struct {
	persistence.BrokersRepo
	list func(ctx context.Context) ([]domain.Broker, error)
}

func (s *stubBrokers) List(ctx context.Context) ([]domain.Broker, error) {
	return s.list(ctx)
}

func newTestServer(t *testing.T, repo *persistence.Repository) *Server {
	t.Helper()

	logger := zerolog.Nop()
	h := handlers.NewHandlers(handlers.Deps{Repo: repo}, logger)

	cfg := config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	srv, err := NewServer(cfg, testToken, h, testMetrics, logger)
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	price := decimal.RequireFromString("101.50")
	repo := &persistence.Repository{
		Trades: &stubTrades{
			findByID: func(ctx context.Context, id string) (*domain.Trade, error) {
				return &domain.Trade{ID: id, Symbol: "RELIANCE", Status: domain.TradeOpen, CurrentPrice: &price}, nil
			},
		},
	}
	srv := newTestServer(t, repo)

	t.Run("missing token", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/admin/trades/trade-1", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
	})

	t.Run("wrong token", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/admin/trades/trade-1", "nope")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/admin/trades/trade-1", testToken)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var trade domain.Trade
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trade))
		assert.Equal(t, "trade-1", trade.ID)
		assert.Equal(t, "RELIANCE", trade.Symbol)
	})
}

func TestErrorMapping(t *testing.T) {
	repo := &persistence.Repository{
		Trades: &stubTrades{
			findByID: func(ctx context.Context, id string) (*domain.Trade, error) {
				return nil, domain.ErrNotFound
			},
			listOpen: func(ctx context.Context, userBrokerID string) ([]domain.Trade, error) {
				return nil, domain.ErrStateConflict
			},
		},
	}
	srv := newTestServer(t, repo)

	t.Run("not found", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/admin/trades/ghost", testToken)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, domain.ErrNotFound.Error(), body["error"])
	})

	t.Run("state conflict", func(t *testing.T) {
		rec := doRequest(t, srv, "GET", "/api/admin/trades", testToken)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestUnknownRoute(t *testing.T) {
	repo := &persistence.Repository{}
	srv := newTestServer(t, repo)

	rec := doRequest(t, srv, "GET", "/api/admin/nope", testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestRequestIDHeader(t *testing.T) {
	repo := &persistence.Repository{
		Brokers: &stubBrokers{
			list: func(ctx context.Context) ([]domain.Broker, error) { return nil, nil },
		},
	}
	srv := newTestServer(t, repo)

	rec := doRequest(t, srv, "GET", "/api/admin/brokers", testToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}
