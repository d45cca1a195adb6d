// Package telegram delivers posts to a Telegram chat or channel through the
// Bot API. Telegram has no native post scheduling, so delivery happens the
// moment the engine commits a slot; slot windows and exact-time timers
// upstream provide the scheduling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/engine/gateway"
	logx "postpilot/pkg/logx"
)

// postTextLimit is Telegram's hard cap for one message.
const postTextLimit = 4096

type Config struct {
	Token string
	// ChatID is the chat or channel posts are delivered to.
	ChatID int64
	// SendTimeout bounds each Bot API call. Zero means 30s.
	SendTimeout time.Duration
}

// Publisher posts to one chat. Content over the message limit is sent as a
// chunk sequence; the receipt's remote id joins all message ids so Cancel
// can revoke every part.
type Publisher struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is not set")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg, log: log, bot: b}, nil
}

func (p *Publisher) Publish(ctx context.Context, req gateway.Request) (gateway.Receipt, error) {
	if req.Job == nil {
		return gateway.Receipt{}, errors.New("nil job")
	}

	chunks := splitPostText(req.Job.Content, postTextLimit)
	if len(chunks) == 0 {
		chunks = []string{req.Job.Content}
	}
	chat := &tele.Chat{ID: p.cfg.ChatID}

	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				p.undo(ids)
				return gateway.Receipt{}, ctx.Err()
			default:
			}
		}
		msg, err := p.bot.Send(chat, chunk)
		if err != nil {
			p.undo(ids)
			return gateway.Receipt{}, err
		}
		ids = append(ids, strconv.Itoa(msg.ID))
	}

	p.log.Debug("post delivered",
		logx.String("job_id", req.Job.ID),
		logx.Int("chunks", len(ids)),
	)
	return gateway.Receipt{RemoteID: strings.Join(ids, ","), DeliveredAt: time.Now()}, nil
}

// undo best-effort deletes already-sent chunks after a partial failure so
// the chat doesn't keep a truncated post.
func (p *Publisher) undo(ids []string) {
	for _, id := range ids {
		if err := p.bot.Delete(tele.StoredMessage{MessageID: id, ChatID: p.cfg.ChatID}); err != nil {
			p.log.Warn("partial post cleanup failed", logx.String("message_id", id), logx.Err(err))
		}
	}
}

// Cancel deletes every message of the post.
func (p *Publisher) Cancel(ctx context.Context, remoteID string) error {
	if strings.TrimSpace(remoteID) == "" {
		return errors.New("empty remote id")
	}
	var errs []error
	for _, id := range strings.Split(remoteID, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if ctx != nil && ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := p.bot.Delete(tele.StoredMessage{MessageID: id, ChatID: p.cfg.ChatID}); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// splitPostText splits content into chunks of at most limit runes,
// preferring a newline boundary when one falls in the last two thirds of
// the window.
func splitPostText(s string, limit int) []string {
	if limit <= 0 {
		limit = postTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Scanning backward, the first newline is the last in the window;
		// anything earlier would leave an even smaller chunk.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					if i-start >= limit/3 {
						end = i + 1
					}
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
