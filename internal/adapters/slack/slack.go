// Package slack implements the messaging-delivery port against the Slack
// Web API: scheduled messages act as delivery reservations.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"challengebot/internal/types"
	"challengebot/pkg/logx"
)

const defaultBaseURL = "https://slack.com/api"

type Config struct {
	Token   string
	Channel string
	// RatePerSec caps Web API calls. chat.* methods are Tier 3
	// (~50/min), so the default of 1 rps with a small burst is plenty.
	RatePerSec int
	// BaseURL overrides the API root (tests).
	BaseURL string
}

type Client struct {
	cfg  Config
	http *http.Client
	lim  *rate.Limiter
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("slack channel is empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 8 * time.Second},
		lim:  rate.NewLimiter(rate.Limit(rps), rps*5),
		log:  log,
	}, nil
}

// apiEnvelope is the common part of every Web API response.
type apiEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	if err := c.lim.Wait(ctx); err != nil {
		return err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	dec := json.NewDecoder(resp.Body)
	// Decode twice from a buffered copy: envelope first, then the
	// method-specific shape.
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("slack %s: decode: %w", method, err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("slack %s: decode: %w", method, err)
	}
	if resp.StatusCode/100 != 2 || !env.OK {
		if env.Error != "" {
			return fmt.Errorf("slack %s failed: %s (http=%d)", method, env.Error, resp.StatusCode)
		}
		return fmt.Errorf("slack %s failed: http=%d", method, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("slack %s: decode: %w", method, err)
		}
	}
	return nil
}

// Reserve schedules a message for future delivery and returns the
// scheduled-message handle.
func (c *Client) Reserve(ctx context.Context, text string, postAt time.Time) (string, error) {
	var out struct {
		ScheduledMessageID string `json:"scheduled_message_id"`
	}
	err := c.call(ctx, "chat.scheduleMessage", map[string]any{
		"channel": c.cfg.Channel,
		"text":    text,
		"post_at": postAt.Unix(),
	}, &out)
	if err != nil {
		return "", err
	}
	c.log.Info("delivery reserved",
		logx.String("handle", out.ScheduledMessageID), logx.Time("post_at", postAt))
	return out.ScheduledMessageID, nil
}

// CancelReservation deletes a scheduled message. Cancelling a handle that is
// already gone is treated as success.
func (c *Client) CancelReservation(ctx context.Context, handle string) error {
	err := c.call(ctx, "chat.deleteScheduledMessage", map[string]any{
		"channel":              c.cfg.Channel,
		"scheduled_message_id": handle,
	}, nil)
	if err != nil && strings.Contains(err.Error(), "invalid_scheduled_message_id") {
		c.log.Debug("reservation already gone", logx.String("handle", handle))
		return nil
	}
	return err
}

// DeliverNow posts a message immediately and returns its timestamp handle.
func (c *Client) DeliverNow(ctx context.Context, text string) (string, error) {
	var out struct {
		TS string `json:"ts"`
	}
	err := c.call(ctx, "chat.postMessage", map[string]any{
		"channel": c.cfg.Channel,
		"text":    text,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TS, nil
}

// ListReservations pages through the channel's pending scheduled messages.
func (c *Client) ListReservations(ctx context.Context) ([]types.Reservation, error) {
	var (
		out    []types.Reservation
		cursor string
	)
	for {
		payload := map[string]any{"channel": c.cfg.Channel}
		if cursor != "" {
			payload["cursor"] = cursor
		}
		var page struct {
			ScheduledMessages []struct {
				ID     string `json:"id"`
				PostAt int64  `json:"post_at"`
			} `json:"scheduled_messages"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, "chat.scheduledMessages.list", payload, &page); err != nil {
			return nil, err
		}
		for _, m := range page.ScheduledMessages {
			out = append(out, types.Reservation{
				Handle: m.ID,
				PostAt: time.Unix(m.PostAt, 0).UTC(),
			})
		}
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}
