package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/priceoracle/internal/config"
	"github.com/sawpanic/priceoracle/internal/httpclient"
	"github.com/sawpanic/priceoracle/internal/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle"
)

// Adapter is the single-provider market-data capability. Errors are values:
// (nil, nil) means the provider has no data, a wrapped oracle.ErrTransient
// means the call may succeed later. The adapter never panics and never
// surfaces raw HTTP errors.
type Adapter interface {
	FetchSpotPrice(ctx context.Context, token, network string, at time.Time) (*oracle.PricePoint, error)
}

// GenesisSource reports the first day a token existed, used by the backfill
// worker to pick a start date.
type GenesisSource interface {
	GenesisDate(ctx context.Context, token, network string) (time.Time, error)
}

// CoinGecko adapts the CoinGecko REST API. Requests within CurrentWindow of
// now use the current-price endpoint; older requests use the calendar-day
// history endpoint. The tradeoff: the history endpoint only has daily
// resolution, but it is the only one that serves old timestamps.
type CoinGecko struct {
	baseURL       string
	apiKey        string
	currentWindow time.Duration
	client        *httpclient.Pool
	breaker       *gobreaker.CircuitBreaker
	limiter       *rate.Limiter
	coinIDs       map[string]string
	metrics       *metrics.Registry
	now           func() time.Time
}

// NewCoinGecko builds the adapter from configuration.
func NewCoinGecko(cfg config.UpstreamConfig, m *metrics.Registry) *CoinGecko {
	clientCfg := httpclient.DefaultConfig()
	if cfg.RequestTimeout > 0 {
		clientCfg.RequestTimeout = cfg.RequestTimeout
	}

	settings := gobreaker.Settings{
		Name:    "coingecko",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("upstream circuit breaker state change")
		},
	}

	rpm := cfg.RPMLimit
	if rpm <= 0 {
		rpm = 30
	}

	window := cfg.CurrentWindow
	if window <= 0 {
		window = 24 * time.Hour
	}

	if m == nil {
		m = metrics.NewNop()
	}

	return &CoinGecko{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		currentWindow: window,
		client:        httpclient.NewPool(clientCfg),
		breaker:       gobreaker.NewCircuitBreaker(settings),
		limiter:       rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 2),
		coinIDs:       defaultCoinIDs(),
		metrics:       m,
		now:           time.Now,
	}
}

// FetchSpotPrice resolves one USD price at the requested instant.
func (c *CoinGecko) FetchSpotPrice(ctx context.Context, token, network string, at time.Time) (*oracle.PricePoint, error) {
	coinID, ok := c.coinID(token)
	if !ok {
		// Unmapped symbols and addresses are a data gap, not a failure.
		log.Debug().Str("token", token).Msg("no provider mapping for token")
		c.metrics.UpstreamRequests.WithLabelValues("no_data").Inc()
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", oracle.ErrTransient, err)
	}

	var price float64
	var found bool

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var execErr error
		if c.now().Sub(at) <= c.currentWindow {
			price, found, execErr = c.fetchCurrent(ctx, coinID)
		} else {
			price, found, execErr = c.fetchHistorical(ctx, coinID, at)
		}
		return nil, execErr
	})
	c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.UpstreamRequests.WithLabelValues("transient").Inc()
			return nil, fmt.Errorf("%w: circuit open", oracle.ErrTransient)
		}
		if errors.Is(err, oracle.ErrTransient) {
			c.metrics.UpstreamRequests.WithLabelValues("transient").Inc()
			return nil, err
		}
		// Anything else (4xx, malformed payload) is a data gap.
		c.metrics.UpstreamRequests.WithLabelValues("no_data").Inc()
		log.Debug().Err(err).Str("coin_id", coinID).Msg("upstream returned no data")
		return nil, nil
	}

	if !found {
		c.metrics.UpstreamRequests.WithLabelValues("no_data").Inc()
		return nil, nil
	}

	c.metrics.UpstreamRequests.WithLabelValues("ok").Inc()

	ts := at.UTC()
	return &oracle.PricePoint{
		Token:      oracle.NormalizeToken(token),
		Network:    oracle.NormalizeNetwork(network),
		UnixTS:     ts.Unix(),
		ISODate:    ts.Format(time.RFC3339),
		Price:      oracle.Round2(price),
		Source:     oracle.SourceUpstream,
		Confidence: 1.0,
	}, nil
}

// GenesisDate returns the provider's genesis date for a token.
func (c *CoinGecko) GenesisDate(ctx context.Context, token, network string) (time.Time, error) {
	coinID, ok := c.coinID(token)
	if !ok {
		return time.Time{}, fmt.Errorf("no provider mapping for %s", token)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return time.Time{}, fmt.Errorf("%w: rate limiter: %v", oracle.ErrTransient, err)
	}

	url := fmt.Sprintf("%s/coins/%s?localization=false&tickers=false&market_data=false", c.baseURL, coinID)

	var payload struct {
		GenesisDate string `json:"genesis_date"`
	}
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return time.Time{}, err
	}
	if payload.GenesisDate == "" {
		return time.Time{}, fmt.Errorf("no genesis date for %s", coinID)
	}

	ts, err := time.Parse("2006-01-02", payload.GenesisDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed genesis date %q: %w", payload.GenesisDate, err)
	}
	return ts.UTC(), nil
}

func (c *CoinGecko) fetchCurrent(ctx context.Context, coinID string) (float64, bool, error) {
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, coinID)

	var payload map[string]map[string]float64
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return 0, false, err
	}

	usd, ok := payload[coinID]["usd"]
	return usd, ok, nil
}

func (c *CoinGecko) fetchHistorical(ctx context.Context, coinID string, at time.Time) (float64, bool, error) {
	// History endpoint keys on the calendar day, dd-mm-yyyy.
	url := fmt.Sprintf("%s/coins/%s/history?date=%s&localization=false",
		c.baseURL, coinID, at.UTC().Format("02-01-2006"))

	var payload struct {
		MarketData struct {
			CurrentPrice map[string]float64 `json:"current_price"`
		} `json:"market_data"`
	}
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return 0, false, err
	}

	usd, ok := payload.MarketData.CurrentPrice["usd"]
	return usd, ok, nil
}

// getJSON issues a GET and maps failures to the error taxonomy: connection
// errors and 5xx wrap oracle.ErrTransient, 4xx and decode failures are plain
// errors the caller treats as "no data".
func (c *CoinGecko) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", oracle.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", oracle.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode payload: %v", err)
	}
	return nil
}

func (c *CoinGecko) coinID(token string) (string, bool) {
	id, ok := c.coinIDs[strings.ToLower(token)]
	return id, ok
}

// defaultCoinIDs maps canonical symbols (and a few well-known contract
// addresses) to provider coin identifiers.
func defaultCoinIDs() map[string]string {
	return map[string]string{
		"eth":   "ethereum",
		"weth":  "weth",
		"btc":   "bitcoin",
		"wbtc":  "wrapped-bitcoin",
		"usdc":  "usd-coin",
		"usdt":  "tether",
		"dai":   "dai",
		"matic": "matic-network",
		"pol":   "matic-network",
		"arb":   "arbitrum",
		"op":    "optimism",
		"link":  "chainlink",
		"uni":   "uniswap",
		"aave":  "aave",
		"sol":   "solana",

		// Mainnet contract addresses for the majors.
		"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "weth",
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "usd-coin",
		"0xdac17f958d2ee523a2206206994597c13d831ec7": "tether",
		"0x6b175474e89094c44da98b954eedeac495271d0f": "dai",
		"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599": "wrapped-bitcoin",
		"0x514910771af9ca656af840dff83e8264ecf986ca": "chainlink",
	}
}
