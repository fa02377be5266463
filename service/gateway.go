package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/layer-3/marketgate/telemetry"
	"github.com/rs/zerolog"
)

// GatewayConfig bounds write submission and status polling
type GatewayConfig struct {
	PollInterval time.Duration
	MaxPolls     int
	Deadline     time.Duration
	RateLimit    int
	RateWindow   time.Duration
}

// InvokeRequest is a caller's write intent. ClaimedSigner is whatever identity
// the request body named; it is never used to sign.
type InvokeRequest struct {
	Target        string
	Method        string
	Args          json.RawMessage
	ClaimedSigner string
}

// Gateway submits writes to the ledger as the verified session identity
type Gateway struct {
	ledger  ports.Ledger
	methods ports.MethodTable
	limiter ports.RateLimiter
	log     zerolog.Logger
	metrics *telemetry.Metrics
	cfg     GatewayConfig

	// sleep waits between polls; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a transaction gateway
func NewGateway(cfg GatewayConfig, ledger ports.Ledger, methods ports.MethodTable, limiter ports.RateLimiter, log zerolog.Logger, metrics *telemetry.Metrics) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 30
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	return &Gateway{
		ledger:  ledger,
		methods: methods,
		limiter: limiter,
		log:     log.With().Str("component", "gateway").Logger(),
		metrics: metrics,
		cfg:     cfg,
		sleep:   sleepContext,
	}
}

// Invoke submits req to the ledger signed by principal and waits for a
// terminal status. The signer is always principal.Address.
func (g *Gateway) Invoke(ctx context.Context, principal core.Principal, req InvokeRequest) (core.TxResult, error) {
	signer := principal.Address
	if signer == "" {
		return core.TxResult{}, core.ErrSessionMissing
	}

	if req.ClaimedSigner != "" && !core.SameAddress(req.ClaimedSigner, signer) {
		g.log.Warn().
			Str("category", string(core.CategoryIdentitySpoof)).
			Str("session_identity", signer).
			Str("claimed_signer", req.ClaimedSigner).
			Str("target", req.Target).
			Str("method", req.Method).
			Msg(core.ErrIdentitySpoof.Message)
		g.metrics.SpoofAttempts.Inc()
	}

	args, err := g.methods.InvokeArgs(req.Target, req.Method, req.Args)
	if err != nil {
		return core.TxResult{}, err
	}

	allowed, err := g.limiter.Allow(ctx, "invoke:"+signer, g.cfg.RateLimit, g.cfg.RateWindow)
	if err != nil {
		// Fail closed: an unavailable limiter must not lift fee exposure bounds.
		g.log.Error().Err(err).Str("address", signer).Msg("rate limiter unavailable")
		return core.TxResult{}, core.ErrRateLimited
	}
	if !allowed {
		g.metrics.GatewayOutcomes.WithLabelValues("rate_limited").Inc()
		return core.TxResult{}, core.ErrRateLimited
	}

	op, err := g.ledger.Invoke(ctx, ports.InvokeRequest{
		API:    req.Target,
		Method: req.Method,
		Args:   args,
		Signer: signer,
	})
	if err != nil {
		var rejected *ports.RejectedError
		if errors.As(err, &rejected) && rejected.StatusCode < 500 {
			reason := ParseRevertReason(rejected.Message)
			g.metrics.GatewayOutcomes.WithLabelValues("rejected").Inc()
			return core.TxResult{}, core.ChainWriteError("", reason, IsRetryableReason(reason))
		}
		g.metrics.GatewayOutcomes.WithLabelValues("submit_failed").Inc()
		return core.TxResult{}, fmt.Errorf("%w: %v", core.ErrChainQuery, err)
	}

	result := core.TxResult{OperationID: op.ID, Signer: signer}
	g.log.Info().
		Str("address", signer).
		Str("target", req.Target).
		Str("method", req.Method).
		Str("operation", op.ID).
		Msg("transaction submitted")

	return g.await(ctx, op, result)
}

// await polls the operation with fixed backoff until it is terminal, the poll
// budget or deadline runs out, or the caller goes away.
func (g *Gateway) await(ctx context.Context, op ports.Operation, result core.TxResult) (core.TxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Deadline)
	defer cancel()

	for attempt := 0; ; attempt++ {
		switch op.State {
		case ports.OperationSucceeded:
			result.Status = core.TxConfirmed
			result.TxHash = op.TxHash
			g.metrics.GatewayOutcomes.WithLabelValues("confirmed").Inc()
			return result, nil
		case ports.OperationFailed:
			reason := ParseRevertReason(op.Error)
			result.Status = core.TxReverted
			result.TxHash = op.TxHash
			g.metrics.GatewayOutcomes.WithLabelValues("reverted").Inc()
			return result, core.ChainWriteError(result.OperationID, reason, IsRetryableReason(reason))
		}

		if attempt >= g.cfg.MaxPolls {
			break
		}
		if err := g.sleep(ctx, g.cfg.PollInterval); err != nil {
			break
		}

		next, err := g.ledger.Operation(ctx, result.OperationID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// A failed status lookup is not a terminal answer; keep polling.
			g.log.Debug().Err(err).Str("operation", result.OperationID).Msg("status lookup failed")
			continue
		}
		op = next
	}

	result.Status = core.TxTimeout
	g.metrics.GatewayOutcomes.WithLabelValues("timeout").Inc()
	g.log.Warn().Str("operation", result.OperationID).Msg("transaction status unknown at deadline")
	return result, core.ChainTimeoutError(result.OperationID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
