// Package notification предоставляет клиент для внешнего сервиса уведомлений.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
// Доставка best-effort: вызывающая сторона логирует ошибку и продолжает.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к сервису уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

type payload struct {
	UserID  int64          `json:"user_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TeacherDecisionRequested уведомляет преподавателя о новом запросе на решение.
func (c *Client) TeacherDecisionRequested(ctx context.Context, teacherID, decisionID int64, orderID string) error {
	return c.send(ctx, payload{
		UserID: teacherID,
		Kind:   "teacher_decision_requested",
		Payload: map[string]any{
			"decision_id": decisionID,
			"order_id":    orderID,
		},
	})
}

// PaymentSettled уведомляет студента об успешной оплате заказа.
func (c *Client) PaymentSettled(ctx context.Context, studentID int64, orderID string) error {
	return c.send(ctx, payload{
		UserID: studentID,
		Kind:   "payment_settled",
		Payload: map[string]any{
			"order_id": orderID,
		},
	})
}

// DecisionExpired уведомляет преподавателя об истечении срока решения.
func (c *Client) DecisionExpired(ctx context.Context, teacherID, decisionID int64) error {
	return c.send(ctx, payload{
		UserID: teacherID,
		Kind:   "teacher_decision_expired",
		Payload: map[string]any{
			"decision_id": decisionID,
		},
	})
}

func (c *Client) send(ctx context.Context, p payload) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notification client not configured")
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	url := c.baseURL + "/api/notifications"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
