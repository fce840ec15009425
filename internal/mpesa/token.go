package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/d60-Lab/payout-reconciler/config"
)

// ErrAuth indicates the authorization endpoint rejected our credentials or
// returned an unusable response. Retryable.
var ErrAuth = errors.New("mpesa auth failed")

// tokenSafetyMargin is subtracted from the upstream expiry so we never hand
// out a token about to die mid-request.
const tokenSafetyMargin = 30 * time.Second

func apiBaseURL(environment string) string {
	if environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// TokenCache holds one shared bearer credential for the payment API.
// Refreshes are singleflight: concurrent callers during a refresh wait on the
// in-flight fetch instead of issuing parallel ones.
type TokenCache struct {
	cfg     config.MPesaConfig
	baseURL string
	client  *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func NewTokenCache(cfg config.MPesaConfig) *TokenCache {
	return &TokenCache{
		cfg:     cfg,
		baseURL: apiBaseURL(cfg.Environment),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns the cached credential while it has more than the safety
// margin left, otherwise fetches a fresh one.
func (t *TokenCache) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Until(t.expiresAt) > tokenSafetyMargin {
		tok := t.token
		t.mu.Unlock()
		return tok, nil
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do("token", func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have refreshed
		// between our check and joining the group.
		t.mu.Lock()
		if t.token != "" && time.Until(t.expiresAt) > tokenSafetyMargin {
			tok := t.token
			t.mu.Unlock()
			return tok, nil
		}
		t.mu.Unlock()

		tok, expiry, err := t.fetch(ctx)
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.token = tok
		t.expiresAt = expiry
		t.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *TokenCache) fetch(ctx context.Context) (string, time.Time, error) {
	url := t.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.SetBasicAuth(t.cfg.ConsumerKey, t.cfg.ConsumerSecret)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: response has no access_token", ErrAuth)
	}

	ttl := 3600
	if n, err := strconv.Atoi(body.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}
	return body.AccessToken, time.Now().Add(time.Duration(ttl) * time.Second), nil
}
