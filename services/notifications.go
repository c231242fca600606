package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storefront-server/store"
)

const DefaultExpoPushURL = "https://exp.host/--/api/v2/push/send"

// ExpoPushMessage represents a push notification message
type ExpoPushMessage struct {
	To    string         `json:"to"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
	Sound string         `json:"sound,omitempty"`
	Badge int            `json:"badge,omitempty"`
}

// ExpoPushResponse represents the response from Expo push service
type ExpoPushResponse struct {
	Data []struct {
		Status string `json:"status"`
		ID     string `json:"id"`
		Error  string `json:"message,omitempty"`
	} `json:"data"`
}

// NotificationService sends push notifications through the Expo push API.
type NotificationService struct {
	ExpoPushURL string
	Client      *http.Client
}

// NewNotificationService creates a notification service posting to pushURL,
// or to the public Expo endpoint when pushURL is empty.
func NewNotificationService(pushURL string) *NotificationService {
	if pushURL == "" {
		pushURL = DefaultExpoPushURL
	}
	return &NotificationService{
		ExpoPushURL: pushURL,
		Client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// SendPushNotification sends a push notification to a device
func (ns *NotificationService) SendPushNotification(ctx context.Context, pushToken, title, body string, data map[string]any) error {
	if pushToken == "" {
		return fmt.Errorf("push token is empty")
	}

	message := ExpoPushMessage{
		To:    pushToken,
		Title: title,
		Body:  body,
		Data:  data,
		Sound: "default",
		Badge: 1,
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ns.ExpoPushURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := ns.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push notification failed with status %d: %s", resp.StatusCode, string(responseBody))
	}

	var pushResponse ExpoPushResponse
	if err := json.Unmarshal(responseBody, &pushResponse); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	for _, result := range pushResponse.Data {
		if result.Status == "error" {
			return fmt.Errorf("push notification failed: %s", result.Error)
		}
	}

	return nil
}

// SendLevelUpNotification congratulates a customer on reaching a new tier.
func (ns *NotificationService) SendLevelUpNotification(ctx context.Context, pushToken, customerName string, level Level, balance int64) error {
	title := fmt.Sprintf("¡Nuevo nivel %s! 🎉", level.Name)
	body := fmt.Sprintf("¡Felicidades! Con %d puntos ahora eres nivel %s.", balance, level.Name)
	if customerName != "" {
		body = fmt.Sprintf("¡Felicidades %s! Con %d puntos ahora eres nivel %s.", customerName, balance, level.Name)
	}

	data := map[string]any{
		"type":      "level_up",
		"level":     level.Name,
		"points":    balance,
		"timestamp": time.Now().Unix(),
	}

	return ns.SendPushNotification(ctx, pushToken, title, body, data)
}

// PushLevelNotifier delivers level-up events as push notifications to the
// device token stored on the user row.
type PushLevelNotifier struct {
	crud store.CRUD
	push *NotificationService
}

func NewPushLevelNotifier(crud store.CRUD, push *NotificationService) *PushLevelNotifier {
	return &PushLevelNotifier{crud: crud, push: push}
}

// LevelUp implements LevelNotifier. Users without a push token are skipped.
func (n *PushLevelNotifier) LevelUp(ctx context.Context, userID string, _, to Level, balance int64) error {
	rows, err := n.crud.FindMany(ctx, TableUsers, store.Filter{"id": userID}, store.FindOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("read push token: %w", err)
	}
	if len(rows) == 0 {
		return ErrUserNotFound
	}
	token := rows[0].String("push_token")
	if token == "" {
		return nil
	}
	return n.push.SendLevelUpNotification(ctx, token, rows[0].String("full_name"), to, balance)
}
