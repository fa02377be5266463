package marketgate

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/marketgate/adapters/wallet"
	"github.com/layer-3/marketgate/core"
)

const (
	csrfCookie = "mg_csrf"
	csrfHeader = "X-CSRF-Token"
)

// Session describes the cookies the gateway issued
type Session struct {
	Address        string    `json:"address"`
	AccessExpires  time.Time `json:"access_expires_at"`
	RefreshExpires time.Time `json:"refresh_expires_at"`
	CSRFToken      string    `json:"csrf_token"`
}

// Challenge is a sign-in challenge and the exact text to sign
type Challenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client talks to a marketgate instance
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Jar is replaced with
// a fresh cookie jar when nil.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the gateway at baseURL
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}

	c := &Client{base: base, http: &http.Client{Timeout: time.Minute}}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		c.http.Jar = jar
	}
	return c, nil
}

// HTTPClient exposes the cookie-carrying HTTP client for raw calls
func (c *Client) HTTPClient() *http.Client { return c.http }

// CSRFToken returns the CSRF cookie value the gateway last set
func (c *Client) CSRFToken() string {
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == csrfCookie {
			return ck.Value
		}
	}
	return ""
}

// Challenge requests a sign-in challenge for address
func (c *Client) Challenge(ctx context.Context, address string) (Challenge, error) {
	var ch Challenge
	q := url.Values{}
	q.Set("address", address)
	err := c.do(ctx, http.MethodGet, "/auth/challenge?"+q.Encode(), nil, &ch)
	return ch, err
}

// Login signs a fresh challenge with key
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) (Session, error) {
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	ch, err := c.Challenge(ctx, address)
	if err != nil {
		return Session{}, err
	}
	signature, err := wallet.SignWithKey(ch.Message, key)
	if err != nil {
		return Session{}, fmt.Errorf("sign challenge: %w", err)
	}

	var s Session
	body := map[string]string{"address": address, "signature": signature}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Refresh rotates the refresh cookie
func (c *Client) Refresh(ctx context.Context) (Session, error) {
	if c.CSRFToken() == "" {
		return Session{}, ErrNotLoggedIn
	}
	var s Session
	err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, &s)
	return s, err
}

// Logout revokes the identity's sessions
func (c *Client) Logout(ctx context.Context) error {
	if c.CSRFToken() == "" {
		return ErrNotLoggedIn
	}
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Me returns the session identity
func (c *Client) Me(ctx context.Context) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &resp)
	return resp.Address, err
}

// Invoke submits a ledger write signed as the session identity
func (c *Client) Invoke(ctx context.Context, target, method string, args any) (core.TxResult, error) {
	var res core.TxResult
	body := map[string]any{"target": target, "method": method, "args": args}
	err := c.do(ctx, http.MethodPost, "/api/invoke", body, &res)
	return res, err
}

// Listings returns active listings for phase
func (c *Client) Listings(ctx context.Context, phase core.SalePhase) (core.Projection, error) {
	var p core.Projection
	q := url.Values{}
	q.Set("phase", strings.ToLower(string(phase)))
	err := c.do(ctx, http.MethodGet, "/api/listings?"+q.Encode(), nil, &p)
	return p, err
}

// Inventory returns the session identity's reconciled holdings
func (c *Client) Inventory(ctx context.Context) (core.Inventory, error) {
	var inv core.Inventory
	err := c.do(ctx, http.MethodGet, "/api/inventory", nil, &inv)
	return inv, err
}

// Credits returns the session identity's withdrawable proceeds
func (c *Client) Credits(ctx context.Context) (core.Credits, error) {
	var cr core.Credits
	err := c.do(ctx, http.MethodGet, "/api/credits", nil, &cr)
	return cr, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if token := c.CSRFToken(); token != "" {
			req.Header.Set(csrfHeader, token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error.Code == "" {
			return &APIError{StatusCode: resp.StatusCode, Category: core.CategoryInternal, Code: "http_error", Message: http.StatusText(resp.StatusCode)}
		}
		e.Error.StatusCode = resp.StatusCode
		return &e.Error
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
