// Package problems fetches challenge content from a LeetCode proxy API by
// probing random problem ids, falling back to a small built-in set when the
// upstream keeps failing.
package problems

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"challengebot/internal/types"
	"challengebot/pkg/logx"
)

const (
	defaultBaseURL    = "https://leetcode-api-pied.vercel.app"
	defaultMaxID      = 3000
	defaultMaxRetries = 5
	defaultTimeout    = 8 * time.Second
)

type Config struct {
	BaseURL    string
	MaxID      int
	MaxRetries int
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	rng  *rand.Rand
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxID <= 0 {
		cfg.MaxID = defaultMaxID
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate fetches a random problem matching the requested difficulty.
// After MaxRetries failed probes it returns the built-in fallback for that
// difficulty instead of an error; upstream flakiness must never block an
// enqueue.
func (c *Client) Generate(ctx context.Context, difficulty types.Difficulty) (types.Draft, error) {
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.Draft{}, err
		}
		id := c.rng.Intn(c.cfg.MaxID) + 1
		d, err := c.fetchOne(ctx, id, difficulty)
		if err == nil {
			return d, nil
		}
		c.log.Debug("problem fetch failed",
			logx.Int("attempt", attempt), logx.Int("problem_id", id), logx.Err(err))
	}
	c.log.Warn("problem source unavailable after retries; using fallback",
		logx.Int("retries", c.cfg.MaxRetries), logx.String("difficulty", string(difficulty)))
	return Fallback(difficulty), nil
}

type problemPayload struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	Difficulty string `json:"difficulty"`
	URL        string `json:"url"`
}

func (c *Client) fetchOne(ctx context.Context, id int, difficulty types.Difficulty) (types.Draft, error) {
	url := fmt.Sprintf("%s/problem/%d", c.cfg.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.Draft{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Draft{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return types.Draft{}, fmt.Errorf("problem %d: http %d", id, resp.StatusCode)
	}

	var p problemPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return types.Draft{}, fmt.Errorf("problem %d: decode: %w", id, err)
	}
	if p.Title == "" || p.Content == "" || p.URL == "" {
		return types.Draft{}, fmt.Errorf("problem %d: incomplete payload", id)
	}
	if !strings.EqualFold(p.Difficulty, string(difficulty)) {
		return types.Draft{}, fmt.Errorf("problem %d: difficulty %q, want %q", id, p.Difficulty, difficulty)
	}

	return types.Draft{
		Title:        p.Title,
		Description:  stripHTML(p.Content),
		Example:      "See the problem page for worked examples.",
		FunctionStub: "// Solve at: " + p.URL,
		Difficulty:   difficulty,
		URL:          p.URL,
	}, nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes markup and decodes entities from upstream problem bodies.
func stripHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}
