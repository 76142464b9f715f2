package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/server/capture"
)

// Notifier sends capture batch reports to a set of Telegram chats.
// Delivery is best effort: a failed send is logged and never retried, and
// never affects the pipeline that produced the report.
type Notifier struct {
	log         logs.Log
	apiUrl      string // Overridable for tests
	botToken    string
	chatIDs     []string
	httpTimeout time.Duration
}

func NewNotifier(logger logs.Log, botToken string, chatIDs []string) *Notifier {
	return &Notifier{
		log:         logger,
		apiUrl:      "https://api.telegram.org",
		botToken:    botToken,
		chatIDs:     chatIDs,
		httpTimeout: 10 * time.Second,
	}
}

// Enabled reports whether the notifier has somewhere to send to
func (n *Notifier) Enabled() bool {
	return n.botToken != "" && len(n.chatIDs) > 0
}

// SendCaptureReport formats the report and sends it to every configured chat
func (n *Notifier) SendCaptureReport(report capture.Report) {
	if !n.Enabled() {
		return
	}
	text := FormatCaptureReport(report)
	sent := 0
	for _, chatID := range n.chatIDs {
		if err := n.sendMessage(chatID, text); err != nil {
			n.log.Errorf("Failed to notify chat %v: %v", chatID, err)
			continue
		}
		sent++
	}
	n.log.Infof("Capture report sent to %v/%v chats", sent, len(n.chatIDs))
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendMessage(chatID, text string) error {
	body, err := json.Marshal(&sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.httpTimeout)
	defer cancel()
	url := fmt.Sprintf("%v/bot%v/sendMessage", n.apiUrl, n.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram returned %v: %v", resp.StatusCode, string(detail))
	}
	return nil
}

// FormatCaptureReport renders the batch summary as a Telegram HTML message
func FormatCaptureReport(report capture.Report) string {
	msg := fmt.Sprintf("<b>Capture batch</b>\nCameras: %v\nCaptured: %v (%.1f%%)\nFailed: %v",
		report.Total, report.Success, report.SuccessRate, report.Failed)
	if report.Failed > 0 {
		msg += fmt.Sprintf("\n  not found: %v\n  max retries: %v\n  errors: %v",
			report.NotFound, report.MaxRetries, report.Errors)
	}
	return msg
}
