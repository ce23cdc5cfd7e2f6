package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/khaledhikmat/perception-go/service/config"
)

type httpService struct {
	url    string
	client *http.Client
}

// NewHTTP posts JSON payloads to the configured webhook URL.
func NewHTTP(cfgsvc config.IService) IService {
	return &httpService{
		url:    cfgsvc.GetWebhookURL(),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (svc *httpService) Post(ctx context.Context, payload interface{}) error {
	if svc.url == "" {
		return fmt.Errorf("webhook url not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := svc.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
