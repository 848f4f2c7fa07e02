package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// jsonPoster delivers one JSON document per alert.
type jsonPoster struct {
	channel string // error and log prefix
	client  *http.Client
}

func newJSONPoster(channel string) jsonPoster {
	return jsonPoster{channel: channel, client: &http.Client{Timeout: 10 * time.Second}}
}

// post sends v to url and treats any non-2xx reply as a failure.
func (p jsonPoster) post(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", p.channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", p.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send: %w", p.channel, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: unexpected status %d", p.channel, resp.StatusCode)
	}
	return nil
}
