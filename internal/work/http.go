package work

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cronkeeper/internal/domain"
)

// Payload is the JSON body an HTTP work posts.
type Payload struct {
	FireID      string            `json:"fire_id"`
	Trigger     string            `json:"trigger"`
	Work        string            `json:"work"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	FiredAt     time.Time         `json:"fired_at"`
	Misfired    bool              `json:"misfired,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// HTTP calls data["url"] with data["method"] (default POST). The body is a
// Payload unless data["body"] is set. With data["secret"] the body is signed
// (hex HMAC-SHA256 in X-Cronkeeper-Signature). Any non-2xx status fails.
type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return HTTP{client: client}
}

func (w HTTP) Execute(ctx context.Context, rec domain.FireRecord) error {
	url := strings.TrimSpace(rec.Data["url"])
	if url == "" {
		return fmt.Errorf("%w: url", ErrMissingData)
	}
	method := strings.ToUpper(strings.TrimSpace(rec.Data["method"]))
	if method == "" {
		method = http.MethodPost
	}

	var body []byte
	if raw, ok := rec.Data["body"]; ok {
		body = []byte(raw)
	} else {
		var err error
		body, err = json.Marshal(payload(rec))
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cronkeeper-Fire-ID", rec.ID)
	req.Header.Set("X-Cronkeeper-Trigger", rec.TriggerKey.String())
	if secret := rec.Data["secret"]; secret != "" {
		req.Header.Set("X-Cronkeeper-Signature", Sign(secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func payload(rec domain.FireRecord) Payload {
	data := make(map[string]string, len(rec.Data))
	for k, v := range rec.Data {
		switch {
		case k == "secret", k == "url", k == "method", strings.HasPrefix(k, "env."):
			continue
		}
		data[k] = v
	}
	return Payload{
		FireID:      rec.ID,
		Trigger:     rec.TriggerKey.String(),
		Work:        rec.WorkKey.String(),
		ScheduledAt: rec.ScheduledAt.UTC(),
		FiredAt:     rec.FiredAt.UTC(),
		Misfired:    rec.Misfired,
		Data:        data,
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers checking X-Cronkeeper-Signature.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
