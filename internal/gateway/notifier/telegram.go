package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Telegram 通过 Bot API 推送文本消息。
// token 或 chatID 为空时所有发送都安静跳过（未配置即禁用）。
type Telegram struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegram 创建 Telegram 推送器。
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled 是否已配置。
func (t *Telegram) Enabled() bool {
	return t != nil && t.token != "" && t.chatID != ""
}

// SendText 推送一条纯文本消息。
func (t *Telegram) SendText(text string) error {
	if !t.Enabled() {
		return nil
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: 序列化失败: %w", err)
	}
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: 请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: 非预期状态 %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
