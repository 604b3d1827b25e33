package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CommandHooks are the operator actions the command loop can invoke.
type CommandHooks struct {
	// Stop sets the sticky emergency flag.
	Stop func(ctx context.Context)
	// Resume clears it.
	Resume func(ctx context.Context)
	// Status returns a one-shot state summary for the reply.
	Status func(ctx context.Context) string
}

// CommandLoop long-polls the Telegram getUpdates API for operator commands
// (/stop, /resume, /status) from the configured chat and dispatches them to
// the hooks. Messages from any other chat are ignored.
type CommandLoop struct {
	token  string
	chatID string
	poll   time.Duration
	hooks  CommandHooks
	sender *TelegramSender
	client *http.Client
	logger *slog.Logger

	offset int64
}

// NewCommandLoop creates a CommandLoop. poll bounds the wait between
// long-poll rounds after errors; the long poll itself holds for 25 seconds.
func NewCommandLoop(token, chatID string, poll time.Duration, hooks CommandHooks, logger *slog.Logger) *CommandLoop {
	return &CommandLoop{
		token:  token,
		chatID: chatID,
		poll:   poll,
		hooks:  hooks,
		sender: NewTelegramSender(token, chatID),
		client: &http.Client{Timeout: 35 * time.Second},
		logger: logger.With(slog.String("component", "command_loop")),
	}
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Run polls until ctx is cancelled. Poll errors are logged and retried after
// the configured interval; they never stop the loop.
func (c *CommandLoop) Run(ctx context.Context) error {
	if c.token == "" || c.chatID == "" {
		c.logger.Info("telegram not configured, command loop disabled")
		return nil
	}
	c.logger.Info("command loop started")
	defer c.logger.Info("command loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("getUpdates failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.poll):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			c.handle(ctx, u)
		}
	}
}

func (c *CommandLoop) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	params := url.Values{}
	params.Set("timeout", "25")
	params.Set("allowed_updates", `["message"]`)
	if c.offset > 0 {
		params.Set("offset", strconv.FormatInt(c.offset, 10))
	}

	reqURL := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?%s", c.token, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: get updates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: read updates: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	var parsed struct {
		OK     bool       `json:"ok"`
		Result []tgUpdate `json:"result"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram: getUpdates not ok")
	}
	return parsed.Result, nil
}

func (c *CommandLoop) handle(ctx context.Context, u tgUpdate) {
	if strconv.FormatInt(u.Message.Chat.ID, 10) != c.chatID {
		return
	}

	cmd := strings.ToLower(strings.TrimSpace(u.Message.Text))
	// Commands in group chats arrive as /cmd@botname.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/stop":
		if c.hooks.Stop != nil {
			c.hooks.Stop(ctx)
		}
		c.reply(ctx, "Stopped", "new entries halted; /resume to re-enable")
	case "/resume":
		if c.hooks.Resume != nil {
			c.hooks.Resume(ctx)
		}
		c.reply(ctx, "Resumed", "new entries re-enabled")
	case "/status":
		status := "no status hook configured"
		if c.hooks.Status != nil {
			status = c.hooks.Status(ctx)
		}
		c.reply(ctx, "Status", status)
	}
}

func (c *CommandLoop) reply(ctx context.Context, title, message string) {
	if err := c.sender.Send(ctx, title, message); err != nil {
		c.logger.Warn("command reply failed", slog.String("error", err.Error()))
	}
}
