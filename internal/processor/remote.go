package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
)

// RemoteConfig points at an HTTP model server that accepts a PNG body and
// answers with the enhanced image
type RemoteConfig struct {
	URL           string
	Device        string
	RetryAttempts int
	Timeout       time.Duration
}

// Remote delegates enhancement to an external model server
type Remote struct {
	url    string
	device string
	client *resty.Client
}

// NewRemote creates a Remote processor
func NewRemote(cfg RemoteConfig) *Remote {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.SetRetryCount(cfg.RetryAttempts)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	return &Remote{url: cfg.URL, device: cfg.Device, client: client}
}

func (r *Remote) Enhance(ctx context.Context, img image.Image, scale int) (image.Image, error) {
	var body bytes.Buffer
	if err := imaging.Encode(&body, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode request image: %w", err)
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/png").
		SetQueryParam("scale", strconv.Itoa(scale)).
		SetQueryParam("device", r.device).
		SetBody(body.Bytes()).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to call enhancement server: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("enhancement server returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}

	out, err := Decode(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("invalid enhancement server response: %w", err)
	}
	return out, nil
}

func (r *Remote) Close() error {
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
