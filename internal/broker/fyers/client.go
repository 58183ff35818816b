// Package fyers implements the broker.Adapter contract against the FYERS
// trading API: REST for auth, orders and the instrument master, WebSocket
// for the tick stream.
package fyers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/mtflow/mtflow/internal/broker"
)

const (
	// BrokerCode is the registry code this adapter serves.
	BrokerCode = "FYERS"

	defaultBaseURL = "https://api-t1.fyers.in/api/v3"
	defaultDataURL = "https://public.fyers.in"
	defaultWSURL   = "wss://socket.fyers.in/hsm/v1-5/prod"

	// The documented order-API budget is 10 requests per second.
	orderRateRPS   = 10
	orderRateBurst = 10
)

// Config carries the app registration and endpoint overrides.
type Config struct {
	ClientID    string `mapstructure:"client_id"`
	SecretKey   string `mapstructure:"secret_key"`
	RedirectURL string `mapstructure:"redirect_url"`
	BaseURL     string `mapstructure:"base_url"`
	DataURL     string `mapstructure:"data_url"`
	WSURL       string `mapstructure:"ws_url"`
}

// Client is the FYERS adapter. Safe for concurrent use after Connect.
type Client struct {
	cfg    Config
	http   *resty.Client
	orders *rate.Limiter
	logger zerolog.Logger

	mu          sync.RWMutex
	accessToken string

	// Last successful auth exchange, kept so re-submitting a consumed auth
	// code against a live session succeeds idempotently.
	lastSession *broker.TokenSession
	lastCode    string
}

// New creates a FYERS adapter.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = defaultDataURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		orders: rate.NewLimiter(rate.Limit(orderRateRPS), orderRateBurst),
		logger: logger.With().Str("component", "fyers").Logger(),
	}
}

func (c *Client) Code() string { return BrokerCode }

// AuthURL builds the consent URL the user visits to obtain an auth code.
func (c *Client) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("state", state)
	return c.cfg.BaseURL + "/generate-authcode?" + q.Encode()
}

// appIDHash is sha256(client_id + ":" + secret), per the auth docs.
func (c *Client) appIDHash() string {
	sum := sha256.Sum256([]byte(c.cfg.ClientID + ":" + c.cfg.SecretKey))
	return hex.EncodeToString(sum[:])
}

type validateAuthCodeResponse struct {
	S           string `json:"s"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
	AccessToken string `json:"access_token"`
}

// ExchangeAuthCode trades the OAuth auth code for an access token. FYERS
// tokens are valid until end of trading day; we conservatively expire at
// midnight IST. A replayed code while the exchanged session is live returns
// that session instead of failing.
func (c *Client) ExchangeAuthCode(ctx context.Context, authCode string) (*broker.TokenSession, error) {
	c.mu.RLock()
	if c.lastSession != nil && c.lastCode == authCode && time.Now().Before(c.lastSession.TokenValidTill) {
		session := *c.lastSession
		c.mu.RUnlock()
		return &session, nil
	}
	c.mu.RUnlock()

	var result validateAuthCodeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "authorization_code",
			"appIdHash":  c.appIDHash(),
			"code":       authCode,
		}).
		SetResult(&result).
		Post("/validate-authcode")
	if err != nil {
		return nil, fmt.Errorf("validate authcode: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.S != "ok" {
		return nil, fmt.Errorf("validate authcode: status %d: %s", resp.StatusCode(), result.Message)
	}

	session := &broker.TokenSession{
		AccessToken:    result.AccessToken,
		TokenValidTill: endOfTradingDay(time.Now()),
	}

	c.mu.Lock()
	c.lastSession = session
	c.lastCode = authCode
	c.mu.Unlock()

	return session, nil
}

// endOfTradingDay returns the next midnight in the exchange timezone.
func endOfTradingDay(now time.Time) time.Time {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next
}

// Connect binds the token and verifies it with a profile read.
func (c *Client) Connect(ctx context.Context, accessToken string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", c.cfg.ClientID+":"+accessToken).
		Get("/profile")
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return broker.ErrSessionExpired
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("verify token: status %d", resp.StatusCode())
	}

	c.mu.Lock()
	c.accessToken = accessToken
	c.mu.Unlock()
	return nil
}

func (c *Client) authHeader() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessToken == "" {
		return "", broker.ErrNotConnected
	}
	return c.cfg.ClientID + ":" + c.accessToken, nil
}

type orderResponse struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

// PlaceOrder submits an order with the client order id echoed through
// orderTag for reconciliation.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	auth, err := c.authHeader()
	if err != nil {
		return nil, err
	}
	if err := c.orders.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"symbol":      req.Exchange + ":" + req.Symbol,
		"qty":         req.Quantity,
		"type":        orderTypeCode(req.OrderType),
		"side":        sideCode(req.Side),
		"productType": req.ProductType,
		"validity":    "DAY",
		"orderTag":    req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		f, _ := req.LimitPrice.Float64()
		body["limitPrice"] = f
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetBody(body).
		SetResult(&result).
		Post("/orders/sync")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, broker.ErrSessionExpired
	}
	if result.S != "ok" {
		return nil, fmt.Errorf("%w: %s", broker.ErrOrderRejected, result.Message)
	}

	c.logger.Info().
		Str("client_order_id", req.ClientOrderID).
		Str("broker_order_id", result.ID).
		Msg("order placed")

	return &broker.OrderResult{
		BrokerOrderID: result.ID,
		Status:        "PENDING",
		Message:       result.Message,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	auth, err := c.authHeader()
	if err != nil {
		return err
	}
	if err := c.orders.Wait(ctx); err != nil {
		return err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetBody(map[string]string{"id": brokerOrderID}).
		SetResult(&result).
		Delete("/orders/sync")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return broker.ErrSessionExpired
	}
	if result.S != "ok" {
		return fmt.Errorf("cancel order: %s", result.Message)
	}
	return nil
}

type orderBookResponse struct {
	S         string `json:"s"`
	Message   string `json:"message"`
	OrderBook []struct {
		ID          string  `json:"id"`
		Status      int     `json:"status"`
		FilledQty   int64   `json:"filledQty"`
		TradedPrice float64 `json:"tradedPrice"`
		Message     string  `json:"message"`
	} `json:"orderBook"`
}

func (c *Client) OrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderResult, error) {
	auth, err := c.authHeader()
	if err != nil {
		return nil, err
	}

	var result orderBookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetQueryParam("id", brokerOrderID).
		SetResult(&result).
		Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("order status: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, broker.ErrSessionExpired
	}
	if result.S != "ok" || len(result.OrderBook) == 0 {
		return nil, fmt.Errorf("order status: %s", result.Message)
	}

	o := result.OrderBook[0]
	out := &broker.OrderResult{
		BrokerOrderID: o.ID,
		Status:        statusName(o.Status),
		FilledQty:     o.FilledQty,
		Message:       o.Message,
	}
	if o.TradedPrice > 0 {
		p := decimal.NewFromFloat(o.TradedPrice)
		out.AvgFillPrice = &p
	}
	return out, nil
}

// FYERS order status codes.
func statusName(code int) string {
	switch code {
	case 1:
		return "CANCELLED"
	case 2:
		return "FILLED"
	case 4:
		return "PENDING"
	case 5:
		return "REJECTED"
	case 6:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

func orderTypeCode(orderType string) int {
	switch strings.ToUpper(orderType) {
	case "LIMIT":
		return 1
	case "MARKET":
		return 2
	case "SL":
		return 3
	case "SL-M":
		return 4
	default:
		return 2
	}
}

func sideCode(side string) int {
	if strings.EqualFold(side, "SELL") {
		return -1
	}
	return 1
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	return nil
}
