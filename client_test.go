package marketgate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/marketgate"
	"github.com/layer-3/marketgate/adapters/events"
	"github.com/layer-3/marketgate/adapters/ledger"
	"github.com/layer-3/marketgate/adapters/ratelimit"
	"github.com/layer-3/marketgate/adapters/store"
	"github.com/layer-3/marketgate/adapters/tokenizer"
	"github.com/layer-3/marketgate/adapters/wallet"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/service"
	transport "github.com/layer-3/marketgate/transport/http"
	"github.com/layer-3/marketgate/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seller = "0x00000000000000000000000000000000000000c1"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// node imitates the ledger integration node's REST surface.
type node struct {
	mu      sync.Mutex
	signers []string
}

func (n *node) invokedBy() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.signers...)
}

func (n *node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input map[string]any `json:"input"`
		Key   string         `json:"key"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	switch {
	case r.URL.Path == "/events":
		_, _ = w.Write([]byte(`[
			{"id": "e1", "sequence": 1, "name": "Listed", "output": {"tokenId": "7", "seller": "` + seller + `", "price": "100", "phase": "PRIMARY"}},
			{"id": "e2", "sequence": 2, "name": "Certified", "output": {"tokenId": "7"}},
			{"id": "e3", "sequence": 3, "name": "Listed", "output": {"tokenId": "8", "seller": "` + seller + `", "price": "300"}},
			{"id": "e4", "sequence": 4, "name": "Purchased", "output": {"tokenId": "8"}}
		]`))
	case r.URL.Path == "/apis/marketplace/query/getListing":
		if body.Input["tokenId"] == "7" {
			_, _ = w.Write([]byte(`{"output": {"seller": "` + seller + `", "price": "100"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"output": ["0x0000000000000000000000000000000000000000", "0", 0]}`))
	case r.URL.Path == "/apis/certification/query/isCertified":
		_, _ = w.Write([]byte(`{"output": true}`))
	case r.URL.Path == "/apis/marketplace/query/creditsOf":
		_, _ = w.Write([]byte(`{"output": "0"}`))
	case strings.HasPrefix(r.URL.Path, "/apis/marketplace/invoke/"):
		n.mu.Lock()
		n.signers = append(n.signers, body.Key)
		n.mu.Unlock()
		_, _ = w.Write([]byte(`{"id": "op-1", "status": "Pending"}`))
	case r.URL.Path == "/operations/op-1":
		_, _ = w.Write([]byte(`{"id": "op-1", "status": "Succeeded", "output": {"transactionHash": "0xfeed"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "not found"}`))
	}
}

func newGateway(t *testing.T) (string, *clock, *node) {
	t.Helper()
	log := zerolog.Nop()
	clk := &clock{now: time.Now().Truncate(time.Second)}

	ledgerNode := &node{}
	nodeSrv := httptest.NewServer(ledgerNode)
	t.Cleanup(nodeSrv.Close)

	client, err := ledger.NewClient(ledger.Config{BaseURL: nodeSrv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	methods, err := ledger.LoadMethodTable("", "0x00000000000000000000000000000000000000ee")
	require.NoError(t, err)
	signKey, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)

	hub := ws.NewHub(nil, log, nil)
	bus := events.NewLocalBus(hub)

	auth := service.NewAuthService(
		service.AuthConfig{Domain: "market.test"},
		tokenizer.NewJWTTokenizer(signKey, "market.test"),
		wallet.NewVerifier(),
		store.NewMemoryStore(clk),
		bus,
		clk,
		log,
		nil,
	)
	gateway := service.NewGateway(service.GatewayConfig{PollInterval: 10 * time.Millisecond}, client, methods, ratelimit.NewMemoryLimiter(clk), log, nil)
	projector := service.NewProjector(service.ProjectorConfig{PrimarySellers: []string{seller}}, client, client, methods, log, nil)
	webhook := transport.NewWebhookHandler(service.NewNotifier(bus, clk, 0, "", log, nil), "secret", log)

	router := transport.SetupRouter(transport.Deps{
		Auth:      auth,
		Gateway:   gateway,
		Projector: projector,
		Webhook:   webhook,
		Hub:       hub,
		Cookies:   transport.CookieConfig{Lifetime: 24 * time.Hour},
		Log:       log,
	})
	srv := httptest.NewServer(transport.Handler(router, transport.ServerOptions{Gatherer: prometheus.NewRegistry()}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv.URL, clk, ledgerNode
}

func TestSessionLifecycle(t *testing.T) {
	url, clk, _ := newGateway(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	client, err := marketgate.NewClient(url)
	require.NoError(t, err)

	challenge, err := client.Challenge(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, address, challenge.Address)
	assert.Contains(t, challenge.Message, challenge.Nonce)

	session, err := client.Login(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, address, session.Address)
	assert.Equal(t, session.CSRFToken, client.CSRFToken())

	me, err := client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, address, me)

	clk.Advance(6 * time.Minute)
	_, err = client.Me(ctx)
	var apiErr *marketgate.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, core.CategoryAuthentication, apiErr.Category)
	assert.ErrorIs(t, err, core.ErrTokenExpired)

	refreshed, err := client.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, session.CSRFToken, refreshed.CSRFToken)

	me, err = client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, address, me)
}

func TestInvokeAndProjections(t *testing.T) {
	url, _, ledgerNode := newGateway(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client, err := marketgate.NewClient(url)
	require.NoError(t, err)
	session, err := client.Login(ctx, key)
	require.NoError(t, err)

	result, err := client.Invoke(ctx, "marketplace", "buyToken", []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, core.TxConfirmed, result.Status)
	assert.Equal(t, "0xfeed", result.TxHash)
	assert.Equal(t, []string{session.Address}, ledgerNode.invokedBy())

	listings, err := client.Listings(ctx, core.PhaseAny)
	require.NoError(t, err)
	assert.False(t, listings.Degraded)
	require.Len(t, listings.Assets, 1)
	assert.Equal(t, "7", listings.Assets[0].TokenID)
	assert.True(t, listings.Assets[0].Certified)
	assert.Equal(t, core.PhasePrimary, listings.Assets[0].Listing.SalePhase)

	secondary, err := client.Listings(ctx, core.PhaseSecondary)
	require.NoError(t, err)
	assert.Empty(t, secondary.Assets)

	credits, err := client.Credits(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", credits.Units)
}

func TestClientRequiresSession(t *testing.T) {
	client, err := marketgate.NewClient("http://127.0.0.1:1")
	require.NoError(t, err)

	assert.ErrorIs(t, client.Logout(context.Background()), marketgate.ErrNotLoggedIn)
	_, err = client.Refresh(context.Background())
	assert.ErrorIs(t, err, marketgate.ErrNotLoggedIn)

	_, err = marketgate.NewClient("not a url")
	assert.Error(t, err)
}
