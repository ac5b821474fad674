package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	cashtagPattern = regexp.MustCompile(`\$([A-Za-z]{1,5})\b`)
	capsPattern    = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
)

// redditStopWords are upper-case words common in finance posts that are not tickers.
var redditStopWords = map[string]struct{}{
	"AI": {}, "ALL": {}, "AND": {}, "ATH": {}, "BUY": {}, "CALL": {}, "CEO": {}, "DD": {}, "EOD": {},
	"EPS": {}, "ETF": {}, "FDA": {}, "FOMO": {}, "FOR": {}, "GDP": {}, "HOLD": {}, "IMO": {}, "IPO": {},
	"IRS": {}, "IV": {}, "LOL": {}, "MOON": {}, "NEW": {}, "NOT": {}, "NYSE": {}, "OTM": {}, "ITM": {},
	"PUT": {}, "PUTS": {}, "SEC": {}, "SELL": {}, "THE": {}, "USA": {}, "USD": {}, "WSB": {}, "YOLO": {},
	"YOU": {}, "TLDR": {}, "EDIT": {}, "FED": {}, "CPI": {}, "OP": {}, "PM": {}, "AM": {}, "US": {},
}

// RedditOptions configures a RedditClient.
type RedditOptions struct {
	ClientID     string
	ClientSecret string
	Subreddits   []string
	APIURL       string
	TokenURL     string
	UserAgent    string
}

// RedditClient finds tickers mentioned in hot posts using app-only OAuth.
type RedditClient struct {
	opts   RedditOptions
	tokens oauth2.TokenSource
	up     *Upstream
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Title    string `json:"title"`
				Selftext string `json:"selftext"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// NewRedditClient creates a client. Without credentials Discover reports nothing.
func NewRedditClient(opts RedditOptions, up *Upstream) *RedditClient {
	if opts.APIURL == "" {
		opts.APIURL = "https://oauth.reddit.com"
	}
	if opts.TokenURL == "" {
		opts.TokenURL = "https://www.reddit.com/api/v1/access_token"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "trading-api/1.0"
	}

	c := &RedditClient{opts: opts, up: up}
	if opts.ClientID != "" && opts.ClientSecret != "" {
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, up.client.StandardClient())
		c.tokens = cc.TokenSource(tokenCtx)
	}
	return c
}

// Name implements TrendingSource.
func (c *RedditClient) Name() string {
	return "reddit"
}

// Discover implements TrendingSource. Tickers are ordered by mention count, ties by first
// mention.
func (c *RedditClient) Discover(ctx context.Context, limit int) ([]string, error) {
	if c.tokens == nil {
		logrus.Debug("Reddit credentials not configured, skipping reddit discovery")
		return nil, nil
	}

	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("reddit token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.AccessToken)
	header.Set("User-Agent", c.opts.UserAgent)

	var texts []string
	for _, sub := range c.opts.Subreddits {
		endpoint := fmt.Sprintf("%s/r/%s/hot?limit=%d", strings.TrimRight(c.opts.APIURL, "/"), url.PathEscape(sub), 50)
		var listing redditListing
		if err := c.up.getJSON(ctx, endpoint, header, &listing); err != nil {
			logrus.WithFields(logrus.Fields{
				"subreddit": sub,
				"error":     err,
			}).Warn("Failed to read subreddit")
			continue
		}
		for _, child := range listing.Data.Children {
			texts = append(texts, child.Data.Title+"\n"+child.Data.Selftext)
		}
	}

	return truncate(rankMentions(texts), limit), nil
}

// rankMentions counts ticker mentions across texts.
func rankMentions(texts []string) []string {
	counts := make(map[string]int)
	var order []string
	mention := func(sym string) {
		sym = strings.ToUpper(sym)
		if _, stop := redditStopWords[sym]; stop || !isTicker(sym) {
			return
		}
		if counts[sym] == 0 {
			order = append(order, sym)
		}
		counts[sym]++
	}

	for _, text := range texts {
		for _, m := range cashtagPattern.FindAllStringSubmatch(text, -1) {
			mention(m[1])
		}
		for _, w := range capsPattern.FindAllString(cashtagPattern.ReplaceAllString(text, ""), -1) {
			mention(w)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	return order
}
