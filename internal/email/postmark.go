// Package email sends transactional mail through the Postmark HTTP API.
package email

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	apiURL        = "https://api.postmarkapp.com/email"
	messageStream = "outbound"
)

// ErrNotConfigured is returned when no server token was supplied.
var ErrNotConfigured = errors.New("email client not configured")

// APIError is a non-2xx reply from Postmark.
type APIError struct {
	Status    int
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("postmark: status %d", e.Status)
	}
	return fmt.Sprintf("postmark: status %d code %d: %s", e.Status, e.ErrorCode, e.Message)
}

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient builds a client. baseURL is the public address used in links.
func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type message struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

// SendInvitation mails the invitation token for joining walletName.
func (c *Client) SendInvitation(toEmail, token, walletName string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	link := c.baseURL + "/invitations/accept?token=" + url.QueryEscape(token)
	text := fmt.Sprintf(
		"You've been invited to join the %s fund.\n\nOpen the link below to accept:\n\n%s\n\nOr use this invitation code: %s",
		walletName, link, token,
	)
	body := fmt.Sprintf(
		`<p>You've been invited to join the <strong>%s</strong> fund.</p><p><a href="%s">Accept invitation</a></p><p>Invitation code: <code>%s</code></p>`,
		html.EscapeString(walletName), html.EscapeString(link), html.EscapeString(token),
	)

	return c.send(message{
		From:          c.fromEmail,
		To:            toEmail,
		Subject:       "You've been invited to " + walletName,
		HtmlBody:      body,
		TextBody:      text,
		Tag:           "invitation",
		MessageStream: messageStream,
	})
}

func (c *Client) send(m message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	// Postmark sends {"ErrorCode":n,"Message":"..."}; a body that does not
	// decode still yields the status.
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(apiErr)
	return apiErr
}
