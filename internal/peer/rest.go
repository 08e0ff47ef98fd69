package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dkeye/huddle/internal/domain"
)

// The room directory, message store and file store are request/response
// collaborators reached over the relay's HTTP API. Chat is best effort:
// delivery happens via the relay's new_message broadcast, not an ack.

func (c *Client) httpBase() string {
	base := strings.TrimRight(c.cfg.RelayURL, "/")
	base = strings.Replace(base, "wss://", "https://", 1)
	return strings.Replace(base, "ws://", "http://", 1)
}

// SendChat posts a text message to the room's message store and returns
// the stored record carrying the server timestamp.
func (c *Client) SendChat(ctx context.Context, body string) (domain.Message, error) {
	c.mu.Lock()
	roomID, status := c.roomID, c.status
	c.mu.Unlock()
	if status != StatusConnected {
		return domain.Message{}, ErrNotConnected
	}

	payload, err := json.Marshal(map[string]any{
		"user_id":      c.identity.ID,
		"username":     c.identity.Username,
		"message":      body,
		"message_type": domain.MessageText,
	})
	if err != nil {
		return domain.Message{}, err
	}

	url := fmt.Sprintf("%s/api/rooms/%s/messages", c.httpBase(), roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doMessageRequest(req)
}

// UploadFile posts an attachment to the room's file store; the relay
// stores it, returns the image message record and broadcasts it.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader) (domain.Message, error) {
	c.mu.Lock()
	roomID, status := c.roomID, c.status
	c.mu.Unlock()
	if status != StatusConnected {
		return domain.Message{}, ErrNotConnected
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return domain.Message{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return domain.Message{}, err
	}
	_ = w.WriteField("user_id", string(c.identity.ID))
	_ = w.WriteField("username", c.identity.Username)
	if err := w.Close(); err != nil {
		return domain.Message{}, err
	}

	url := fmt.Sprintf("%s/api/rooms/%s/upload", c.httpBase(), roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return domain.Message{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return doMessageRequest(req)
}

func doMessageRequest(req *http.Request) (domain.Message, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return domain.Message{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Message{}, fmt.Errorf("message store: %s: %s", resp.Status, body)
	}
	var msg domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}
