package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderEvent     = "X-Custodyline-Event"
	HeaderDelivery  = "X-Custodyline-Delivery"
	HeaderSignature = "X-Custodyline-Signature"
)

type WebhookTarget struct {
	URL    string
	Secret string
	// Events limits delivery to these event types; empty means all.
	Events []string
}

// Webhook posts notifications as JSON to each matching target.
type Webhook struct {
	Targets []WebhookTarget
	Client  *http.Client
}

func (w Webhook) Notify(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	delivery := uuid.NewString()
	var errs []error
	for _, t := range w.Targets {
		if strings.TrimSpace(t.URL) == "" || !newEventFilter(t.Events).match(evt.Type) {
			continue
		}
		if err := post(ctx, client, t, evt.Type, delivery, data); err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", t.URL, err))
		}
	}
	return errors.Join(errs...)
}

func post(ctx context.Context, client *http.Client, t WebhookTarget, evtType, delivery string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evtType)
	req.Header.Set(HeaderDelivery, delivery)
	if strings.TrimSpace(t.Secret) != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(t.Secret, body))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
