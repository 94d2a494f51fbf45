package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Pushover delivers messages through the Pushover message API: a
// form-encoded POST carrying token, user, title, and message.
type Pushover struct {
	endpoint string
	appToken string
	userKey  string
	client   *http.Client
}

// NewPushover builds a Pushover transport. endpoint may be left empty to
// use the public API; it is overridable for tests and relays.
func NewPushover(endpoint, appToken, userKey string, timeout time.Duration) *Pushover {
	if endpoint == "" {
		endpoint = "https://api.pushover.net/1/messages.json"
	}
	return &Pushover{
		endpoint: endpoint,
		appToken: appToken,
		userKey:  userKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name identifies this transport in dispatcher logs.
func (p *Pushover) Name() string { return "pushover" }

// Send posts one message. Any response outside the 2xx range counts as a
// delivery failure.
func (p *Pushover) Send(ctx context.Context, title, message string) error {
	form := url.Values{
		"token":   {p.appToken},
		"user":    {p.userKey},
		"title":   {title},
		"message": {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build pushover POST: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to pushover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("pushover rejected message: %s", resp.Status)
	}
	return nil
}
