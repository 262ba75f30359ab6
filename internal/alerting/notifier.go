package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"virtual-drop-alerts/internal/engine"
)

// Digest 封装一次评估的告警摘要（按规则/周期分组）。
type Digest struct {
	TickAt  time.Time
	Batches []engine.AlertBatch
}

// Empty reports whether the digest carries no events.
func (d Digest) Empty() bool {
	for _, batch := range d.Batches {
		if len(batch.Events) > 0 {
			return false
		}
	}
	return true
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, digest Digest) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, digest Digest) error {
	if digest.Empty() {
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderDigest(digest),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Time("tick", digest.TickAt).
		Int("batches", len(digest.Batches)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderDigest formats one per-tick digest: a header plus one plain-text
// table block per rule that emitted events.
func RenderDigest(digest Digest) string {
	builder := strings.Builder{}
	builder.WriteString("[Virtual-Drop Alert]\n")
	builder.WriteString(fmt.Sprintf("Tick: %s\n", digest.TickAt.Format("2006-01-02 15:04")))

	for _, batch := range digest.Batches {
		if len(batch.Events) == 0 {
			continue
		}
		builder.WriteString(fmt.Sprintf("\n== %s (%s) ==\n", batch.RuleName, batch.Timeframe))
		for _, ev := range batch.Events {
			builder.WriteString(fmt.Sprintf("%s @ %s  A=%s B=%s  drop_A=%s%% drop_B=%s%%  price=%s\n",
				ev.CoinName,
				ev.Exchange,
				ev.TimeA.Format("01-02 15:04"),
				ev.TimeB.Format("01-02 15:04"),
				ev.VirtualDropA.StringFixed(2),
				ev.VirtualDropB.StringFixed(2),
				ev.Price.String(),
			))
			if ev.Condition != "" {
				builder.WriteString(fmt.Sprintf("  condition: %s\n", ev.Condition))
			}
		}
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
