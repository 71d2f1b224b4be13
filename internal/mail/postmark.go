package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PostmarkMailer sends through the Postmark transactional API.
type PostmarkMailer struct {
	BaseURL     string
	ServerToken string
	FromEmail   string
	Client      *http.Client
}

func (p PostmarkMailer) Send(ctx context.Context, msg Message) error {
	if p.ServerToken == "" || p.FromEmail == "" {
		return errors.New("postmark mailer not configured")
	}
	if msg.To == "" {
		return errors.New("recipient missing")
	}
	if p.Client == nil {
		p.Client = &http.Client{Timeout: 15 * time.Second}
	}

	msg.From = p.FromEmail
	b, _ := json.Marshal(msg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewBuffer(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.ServerToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("postmark send failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// NopMailer discards messages. Used in dev and in tests.
type NopMailer struct{}

func (NopMailer) Send(ctx context.Context, msg Message) error {
	return nil
}
