package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"wirtbot/pkg/auth"
)

// HTTPPusher posts artifact texts to the agent API on the WirtBot:
// POST <scheme>://<host>:<port>/api/v1/<kind>.
type HTTPPusher struct {
	Client   *http.Client
	Scheme   string
	Port     int
	TokenTTL time.Duration
}

func NewHTTPPusher(scheme string, port int, timeout time.Duration) *HTTPPusher {
	if scheme == "" {
		scheme = "http"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPusher{
		Client:   &http.Client{Timeout: timeout},
		Scheme:   scheme,
		Port:     port,
		TokenTTL: time.Minute,
	}
}

// URL is the endpoint u is posted to.
func (p *HTTPPusher) URL(u Update) string {
	host := u.Host
	if p.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(p.Port))
	}
	return fmt.Sprintf("%s://%s/api/v1/%s", p.Scheme, host, u.Kind)
}

func (p *HTTPPusher) Push(ctx context.Context, u Update) error {
	if u.Host == "" {
		return fmt.Errorf("no destination host")
	}
	body := []byte(u.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL(u), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("X-Wirtbot-Revision", strconv.FormatUint(u.Revision, 10))
	if u.Key != nil {
		tok, err := auth.SignPush(u.Key, string(u.Kind), u.Revision, body, p.TokenTTL)
		if err != nil {
			return fmt.Errorf("sign push: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
