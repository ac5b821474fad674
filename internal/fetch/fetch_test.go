package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jongan69/trading-api/internal/cache"
	"github.com/jongan69/trading-api/internal/circuitbreaker"
	"github.com/jongan69/trading-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUpstream(name string, breaker *circuitbreaker.CircuitBreaker) *Upstream {
	return NewUpstream(name, ClientOptions{
		RetryMax:     0,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
		Timeout:      5 * time.Second,
		UserAgent:    "test-agent",
	}, breaker)
}

func TestRangeDays(t *testing.T) {
	tests := map[string]int{
		"1mo": 30, "3mo": 90, "6mo": 180, "1y": 365, "2y": 730, "5y": 1825,
		"3MO": 90, "bogus": 30, "": 30,
	}
	for label, want := range tests {
		assert.Equal(t, want, RangeDays(label), label)
	}
}

func TestIsUpstreamFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", fmt.Errorf("wrap: %w", context.Canceled), false},
		{"unprocessable", &StatusError{Provider: "alpaca", Code: 422}, false},
		{"not found", &StatusError{Provider: "yahoo", Code: 404}, false},
		{"rate limited", &StatusError{Provider: "alpaca", Code: 429}, true},
		{"server error", fmt.Errorf("wrap: %w", &StatusError{Provider: "alpaca", Code: 503}), true},
		{"no data", fmt.Errorf("yahoo: %w", ErrNoData), false},
		{"transport", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUpstreamFailure(tt.err))
		})
	}
}

const chartBody = `{"chart":{"result":[{"meta":{"symbol":"AAPL","regularMarketPrice":103.0},
"timestamp":[1,2,3,4],"indicators":{"quote":[{"close":[100.0,null,101.5,103.0]}]}}],"error":null}}`

func TestYahooClient_FetchPrices(t *testing.T) {
	var gotPath, gotInterval, gotUA string
	var gotPeriod1, gotPeriod2 string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotInterval = r.URL.Query().Get("interval")
		gotPeriod1 = r.URL.Query().Get("period1")
		gotPeriod2 = r.URL.Query().Get("period2")
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, chartBody)
	}))
	defer srv.Close()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewYahooClient(srv.URL, testUpstream("yahoo", nil))
	c.now = func() time.Time { return now }

	prices, err := c.FetchPrices(context.Background(), "AAPL", "3mo")
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101.5, 103}, prices, "null closes are skipped")
	assert.Equal(t, "/v8/finance/chart/AAPL", gotPath)
	assert.Equal(t, "1d", gotInterval)
	assert.Equal(t, fmt.Sprint(now.AddDate(0, 0, -90).Unix()), gotPeriod1)
	assert.Equal(t, fmt.Sprint(now.Unix()), gotPeriod2)
	assert.Equal(t, "test-agent", gotUA)

	last, err := c.LatestClose(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 103.0, last)
}

func TestYahooClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`,
			wantErr: func(t *testing.T, err error) {
				assert.Equal(t, http.StatusNotFound, StatusCode(err))
			},
		},
		{
			name:   "chart error in body",
			status: http.StatusOK,
			body:   `{"chart":{"result":null,"error":{"code":"Bad Request","description":"invalid range"}}}`,
			wantErr: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "invalid range")
			},
		},
		{
			name:   "all null closes",
			status: http.StatusOK,
			body:   `{"chart":{"result":[{"indicators":{"quote":[{"close":[null,null]}]}}],"error":null}}`,
			wantErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoData)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewYahooClient(srv.URL, testUpstream("yahoo", nil))
			_, err := c.FetchPrices(context.Background(), "ZZZZ", "1mo")
			require.Error(t, err)
			tt.wantErr(t, err)
		})
	}
}

func TestYahooClient_Discover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/finance/trending/US", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		fmt.Fprint(w, `{"finance":{"result":[{"quotes":[{"symbol":"nvda"},{"symbol":""},{"symbol":"TSLA"},{"symbol":"AMD"},{"symbol":"PLTR"}]}]}}`)
	}))
	defer srv.Close()

	c := NewYahooClient(srv.URL, testUpstream("yahoo", nil))
	assert.Equal(t, "yahoo", c.Name())

	symbols, err := c.Discover(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA", "TSLA", "AMD"}, symbols)
}

const contractsPage1 = `{"option_contracts":[
 {"symbol":"AAPL240621C00150000","underlying_symbol":"AAPL","type":"call","strike_price":"150","expiration_date":"2024-06-21",
  "open_interest":"1200","open_interest_date":"2024-05-30","close_price":"3.25","close_price_date":"2024-05-30"},
 {"symbol":"AAPL240621C00160000","underlying_symbol":"AAPL","type":"call","strike_price":"160","expiration_date":"2024-06-21",
  "open_interest":null,"close_price":null}
],"next_page_token":"p2"}`

const contractsPage2 = `{"option_contracts":[
 {"symbol":"AAPL240628C00170000","underlying_symbol":"AAPL","type":"call","strike_price":170.5,"expiration_date":"2024-06-28",
  "open_interest":42}
],"next_page_token":null}`

func TestAlpacaClient_ListContracts(t *testing.T) {
	var pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/options/contracts", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))

		q := r.URL.Query()
		assert.Equal(t, "AAPL", q.Get("underlying_symbols"))
		assert.Equal(t, "active", q.Get("status"))
		assert.Equal(t, "2024-06-02", q.Get("expiration_date_gte"))
		assert.Equal(t, "2024-07-31", q.Get("expiration_date_lte"))
		assert.Equal(t, "call", q.Get("type"))

		atomic.AddInt32(&pages, 1)
		if q.Get("page_token") == "p2" {
			fmt.Fprint(w, contractsPage2)
			return
		}
		fmt.Fprint(w, contractsPage1)
	}))
	defer srv.Close()

	c := NewAlpacaClient(AlpacaOptions{TradingURL: srv.URL, KeyID: "key", SecretKey: "secret"}, testUpstream("alpaca", nil))
	contracts, err := c.ListContracts(context.Background(), ContractQuery{
		Underlying:     "AAPL",
		Side:           model.SideCall,
		ExpirationFrom: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
		ExpirationTo:   time.Date(2024, 7, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, contracts, 3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages))

	first := contracts[0]
	assert.Equal(t, "AAPL240621C00150000", first.Symbol)
	assert.Equal(t, model.SideCall, first.Type)
	assert.Equal(t, 150.0, first.Strike)
	assert.Equal(t, int64(1200), first.OI())
	require.NotNil(t, first.ClosePrice)
	assert.Equal(t, 3.25, *first.ClosePrice)
	assert.Equal(t, "2024-05-30", first.OpenInterestDate)

	assert.Nil(t, contracts[1].OpenInterest)
	assert.Nil(t, contracts[1].ClosePrice)

	assert.Equal(t, 170.5, contracts[2].Strike, "numeric JSON values are accepted too")
	assert.Equal(t, int64(42), contracts[2].OI())
}

func TestAlpacaClient_Quote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/options/contracts/AAPL240621C00150000":
			fmt.Fprint(w, `{"symbol":"AAPL240621C00150000","open_interest":"2400","open_interest_date":"2024-06-03"}`)
			return
		case "/v2/options/contracts/AAPL240621C00155000":
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/v1beta1/options/snapshots", r.URL.Path)
		assert.Equal(t, "indicative", r.URL.Query().Get("feed"))
		sym := r.URL.Query().Get("symbols")
		if sym == "MISSING" {
			fmt.Fprint(w, `{"snapshots":{}}`)
			return
		}
		fmt.Fprintf(w, `{"snapshots":{"%s":{"latestQuote":{"ap":3.4,"bp":3.1},"latestTrade":{"p":3.3},"impliedVolatility":0.27}}}`, sym)
	}))
	defer srv.Close()

	c := NewAlpacaClient(AlpacaOptions{TradingURL: srv.URL, DataURL: srv.URL, Feed: "indicative"}, testUpstream("alpaca", nil))

	prices, err := c.Quote(context.Background(), model.OptionContract{Symbol: "AAPL240621C00150000"})
	require.NoError(t, err)
	require.NotNil(t, prices.Ask)
	require.NotNil(t, prices.Bid)
	require.NotNil(t, prices.Last)
	require.NotNil(t, prices.ImpliedVol)
	assert.Equal(t, 3.4, *prices.Ask)
	assert.Equal(t, 3.1, *prices.Bid)
	assert.Equal(t, 3.3, *prices.Last)
	assert.Equal(t, 0.27, *prices.ImpliedVol)
	require.NotNil(t, prices.OpenInterest)
	assert.Equal(t, int64(2400), *prices.OpenInterest)
	assert.Equal(t, "2024-06-03", prices.OpenInterestDate)

	prices, err = c.Quote(context.Background(), model.OptionContract{Symbol: "AAPL240621C00155000"})
	require.NoError(t, err, "a failed open interest refresh keeps the quote")
	assert.Nil(t, prices.OpenInterest)
	assert.Empty(t, prices.OpenInterestDate)
	require.NotNil(t, prices.Last)

	_, err = c.Quote(context.Background(), model.OptionContract{Symbol: "MISSING"})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestOptionPrices_ApplyOpenInterest(t *testing.T) {
	listed := int64(100)
	c := model.OptionContract{OpenInterest: &listed, OpenInterestDate: "2024-05-30"}

	last := 1.5
	model.OptionPrices{Last: &last}.Apply(&c)
	assert.Equal(t, int64(100), c.OI())
	assert.Equal(t, "2024-05-30", c.OpenInterestDate)

	fresh := int64(250)
	model.OptionPrices{OpenInterest: &fresh, OpenInterestDate: "2024-06-03"}.Apply(&c)
	assert.Equal(t, int64(250), c.OI())
	assert.Equal(t, "2024-06-03", c.OpenInterestDate)
}

func TestAlpacaClient_BreakerIgnoresClientErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		fmt.Fprint(w, `{"message":"invalid underlying"}`)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New("alpaca", circuitbreaker.Thresholds{MaxConsecutiveFailures: 2})
	c := NewAlpacaClient(AlpacaOptions{TradingURL: srv.URL}, testUpstream("alpaca", breaker))
	q := ContractQuery{Underlying: "FB", Side: model.SideCall, ExpirationFrom: time.Now(), ExpirationTo: time.Now()}

	for i := 0; i < 3; i++ {
		_, err := c.ListContracts(context.Background(), q)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())

	status.Store(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		_, _ = c.ListContracts(context.Background(), q)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	_, err := c.ListContracts(context.Background(), q)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestUpstream_ConcurrencyAndRateLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	up := testUpstream("bounded", nil).WithConcurrency(2).WithRateLimit(1000, 10)
	done := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			var out map[string]any
			done <- up.getJSON(context.Background(), srv.URL, nil, &out)
		}()
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

const screenerHTML = `<html><body><table>
<tr><td><a href="quote.ashx?t=SMCI&ty=c" class="screener-link-primary">SMCI</a></td><td><a href="quote.ashx?t=SMCI">Super Micro</a></td></tr>
<tr><td><a href="quote.ashx?t=NVDA" class="screener-link-primary">NVDA</a></td></tr>
<tr><td><a href="quote.ashx?t=SMCI">SMCI</a></td></tr>
<tr><td><a href="/news">NEWS</a></td></tr>
</table></body></html>`

func TestExtractScreenerTickers(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(screenerHTML))
	require.NoError(t, err)
	assert.Equal(t, []string{"SMCI", "NVDA"}, extractScreenerTickers(doc))
}

func TestFinvizScreener_Discover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, screenerHTML)
	}))
	defer srv.Close()

	f := NewFinvizScreener(srv.URL+"/screener.ashx?v=111&s=ta_topgainers", testUpstream("finviz", nil))
	assert.Equal(t, "finviz", f.Name())

	symbols, err := f.Discover(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"SMCI"}, symbols)
}

func TestRankMentions(t *testing.T) {
	texts := []string{
		"YOLO on $gme calls, DD inside. GME to the moon",
		"AMC and GME squeeze? THE CEO said",
		"Buying AMC puts, TSLA too",
	}
	assert.Equal(t, []string{"GME", "AMC", "TSLA"}, rankMentions(texts))
}

func TestRedditClient_WithoutCredentials(t *testing.T) {
	c := NewRedditClient(RedditOptions{Subreddits: []string{"stocks"}}, testUpstream("reddit", nil))
	assert.Equal(t, "reddit", c.Name())
	symbols, err := c.Discover(context.Background(), 10)
	assert.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestRedditClient_Discover(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "id", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/r/stocks/hot", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"children":[{"data":{"title":"NVDA earnings","selftext":"NVDA and AMD"}},{"data":{"title":"AMD?","selftext":""}}]}}`)
	})
	mux.HandleFunc("/r/broken/hot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRedditClient(RedditOptions{
		ClientID:     "id",
		ClientSecret: "secret",
		Subreddits:   []string{"broken", "stocks"},
		APIURL:       srv.URL,
		TokenURL:     srv.URL + "/api/v1/access_token",
	}, testUpstream("reddit", nil))

	symbols, err := c.Discover(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA", "AMD"}, symbols)
}

type countingHistory struct {
	calls  atomic.Int32
	prices []float64
}

func (c *countingHistory) FetchPrices(context.Context, string, string) ([]float64, error) {
	c.calls.Add(1)
	return append([]float64(nil), c.prices...), nil
}

func (c *countingHistory) LatestClose(context.Context, string) (float64, error) {
	c.calls.Add(1)
	return c.prices[len(c.prices)-1], nil
}

type countingContracts struct {
	calls atomic.Int32
}

func (c *countingContracts) ListContracts(_ context.Context, q ContractQuery) ([]model.OptionContract, error) {
	c.calls.Add(1)
	oi := int64(10)
	return []model.OptionContract{{Symbol: q.Underlying + "C", OpenInterest: &oi}}, nil
}

func TestCachedPriceHistory(t *testing.T) {
	next := &countingHistory{prices: []float64{1, 2, 3}}
	c := NewCachedPriceHistory(next, cache.New(cache.DefaultOptions()))
	ctx := context.Background()

	p, err := c.FetchPrices(ctx, "AAPL", "3mo")
	require.NoError(t, err)
	p[0] = -1

	p, err = c.FetchPrices(ctx, "AAPL", "3mo")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, p)
	assert.Equal(t, int32(1), next.calls.Load())

	_, err = c.FetchPrices(ctx, "AAPL", "1y")
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load(), "different range is a different key")

	for i := 0; i < 3; i++ {
		v, err := c.LatestClose(ctx, "AAPL")
		require.NoError(t, err)
		assert.Equal(t, 3.0, v)
	}
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestCachedContracts(t *testing.T) {
	next := &countingContracts{}
	c := NewCachedContracts(next, cache.New(cache.DefaultOptions()))
	ctx := context.Background()
	q := ContractQuery{Underlying: "AAPL", Side: model.SideCall, ExpirationFrom: time.Now(), ExpirationTo: time.Now().AddDate(0, 2, 0)}

	got, err := c.ListContracts(ctx, q)
	require.NoError(t, err)
	*got[0].OpenInterest = 999

	got, err = c.ListContracts(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got[0].OI(), "cached contracts are deep copies")
	assert.Equal(t, int32(1), next.calls.Load())

	q.Side = model.SidePut
	_, err = c.ListContracts(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestUpstream_ErrorHookSeesOnlyUpstreamFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	var seen []string
	up := testUpstream("yahoo", nil).WithErrorHook(func(provider string, err error) {
		seen = append(seen, fmt.Sprintf("%s:%d", provider, StatusCode(err)))
	})
	c := NewYahooClient(srv.URL, up)

	_, err := c.FetchPrices(context.Background(), "NOPE", "1mo")
	require.Error(t, err)
	assert.Empty(t, seen, "a 404 is the caller's problem")

	status.Store(http.StatusServiceUnavailable)
	_, err = c.FetchPrices(context.Background(), "SPY", "1mo")
	require.Error(t, err)
	assert.Equal(t, []string{"yahoo:503"}, seen)
}
