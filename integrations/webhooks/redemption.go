package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"giftledger/core/identity"
)

// EventType represents the logical webhook topic.
type EventType string

// EventRedemptionSettled is emitted when a composed redeem-and-settle pays a
// vendor.
const EventRedemptionSettled EventType = "giftcard.redemption.settled"

const (
	defaultMaxAttempts = 3
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// RedemptionPayload describes the webhook body delivered to the vendor's
// endpoint after a settlement.
type RedemptionPayload struct {
	Type       EventType `json:"type"`
	VendorEIN  uint64    `json:"vendorEin"`
	CardID     uint64    `json:"cardId"`
	Amount     string    `json:"amount"`
	Memo       string    `json:"memo,omitempty"`
	SettledAt  time.Time `json:"settledAt"`
	DeliveryID string    `json:"deliveryId"`
}

// Notifier delivers redemption notifications over HTTP with HMAC-signed
// bodies. Delivery is synchronous: the caller holds an open state transaction
// and a failed delivery must abort it, so there is no fire-and-forget queue
// here. Retries stay within the one call.
type Notifier struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	nowFn       func() time.Time
}

// Option mutates notifier configuration.
type Option func(*Notifier)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(n *Notifier) {
		if maxAttempts > 0 {
			n.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			n.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			n.maxBackoff = maxBackoff
		}
	}
}

// WithClock overrides the timestamp source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.nowFn = now
		}
	}
}

// NewNotifier constructs a notifier for the given endpoint and signing
// secret.
func NewNotifier(endpoint string, secret []byte, opts ...Option) (*Notifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	notifier := &Notifier{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(notifier)
	}
	return notifier, nil
}

// Notify delivers the settlement notification, retrying transient failures
// with exponential backoff. It satisfies giftcard.RedemptionNotifier.
func (n *Notifier) Notify(vendor identity.EIN, cardID uint64, amount *big.Int, memo []byte) error {
	if n == nil {
		return errors.New("webhook: notifier not initialised")
	}
	settledAt := n.nowFn()
	payload := RedemptionPayload{
		Type:       EventRedemptionSettled,
		VendorEIN:  uint64(vendor),
		CardID:     cardID,
		Amount:     amount.String(),
		Memo:       string(memo),
		SettledAt:  settledAt,
		DeliveryID: fmt.Sprintf("redeem-%d-%d", cardID, settledAt.UnixNano()),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	backoff := n.minBackoff
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
		lastErr = n.send(ctx, body)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt < n.maxAttempts {
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, n.maxBackoff)
		}
	}
	return fmt.Errorf("webhook: delivery exhausted after %d attempts: %w", n.maxAttempts, lastErr)
}

func (n *Notifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GiftLedger-Event", string(EventRedemptionSettled))
	req.Header.Set("X-GiftLedger-Signature", n.sign(body))
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

func (n *Notifier) sign(body []byte) string {
	mac := hmac.New(sha256.New, n.secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
