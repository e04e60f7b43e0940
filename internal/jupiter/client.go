// Package jupiter is a thin client for the Jupiter swap aggregator
// (quote + swap transaction building).
package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.jup.ag/swap/v1"

	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = 200 * time.Millisecond
	defaultRetryMaxBackoff = 2 * time.Second
)

var (
	ErrNoRoute     = errors.New("jupiter: no route")
	ErrBadResponse = errors.New("jupiter: bad response")
)

// Quote is a priced route. Raw is posted back verbatim when building the
// swap.
type Quote struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`

	Raw json.RawMessage `json:"-"`
}

// In returns the input amount in raw units.
func (q *Quote) In() uint64 {
	v, _ := strconv.ParseUint(q.InAmount, 10, 64)
	return v
}

// Out returns the expected output amount in raw units.
func (q *Quote) Out() uint64 {
	v, _ := strconv.ParseUint(q.OutAmount, 10, 64)
	return v
}

// Threshold returns the minimum output the swap accepts, if the quote has one.
func (q *Quote) Threshold() (uint64, bool) {
	v, err := strconv.ParseUint(q.OtherAmountThreshold, 10, 64)
	return v, err == nil
}

type QuoteRequest struct {
	InputMint      solana.PublicKey
	OutputMint     solana.PublicKey
	Amount         uint64
	SlippageBps    int
	PlatformFeeBps int
}

type SwapRequest struct {
	QuoteRequest
	User solana.PublicKey
	// FeeAccount receives the platform fee. Zero disables the fee.
	FeeAccount                solana.PublicKey
	PrioritizationFeeLamports uint64
}

// Swap is an unsigned swap transaction plus the quote it executes.
type Swap struct {
	Tx    *solana.Transaction
	Quote *Quote
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient creates a client. apiKey may be empty for the public tier.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)
	if apiKey != "" {
		httpClient.SetHeader("x-api-key", apiKey)
	}

	return &Client{http: httpClient, logger: logger.Named("jupiter")}
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// Quote asks for an ExactIn route.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", ErrNoRoute)
	}
	params := map[string]string{
		"inputMint":   req.InputMint.String(),
		"outputMint":  req.OutputMint.String(),
		"amount":      strconv.FormatUint(req.Amount, 10),
		"slippageBps": strconv.Itoa(req.SlippageBps),
		"swapMode":    "ExactIn",
	}
	if req.PlatformFeeBps > 0 {
		params["platformFeeBps"] = strconv.Itoa(req.PlatformFeeBps)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: %w", err)
	}
	raw := resp.Body()
	if err := apiError(resp.StatusCode(), raw); err != nil {
		return nil, err
	}

	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("%w: decode quote: %v", ErrBadResponse, err)
	}
	if q.In() == 0 || q.Out() == 0 {
		return nil, fmt.Errorf("%w: empty amounts in quote", ErrNoRoute)
	}
	q.Raw = raw

	c.logger.Debug("Quote received",
		zap.String("input", q.InputMint),
		zap.String("output", q.OutputMint),
		zap.String("in", q.InAmount),
		zap.String("out", q.OutAmount))
	return &q, nil
}

type swapBody struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports interface{}     `json:"prioritizationFeeLamports,omitempty"`
	FeeAccount                string          `json:"feeAccount,omitempty"`
}

// BuildSwap fetches a fresh quote and the matching unsigned transaction.
// Each call yields a new recent blockhash.
func (c *Client) BuildSwap(ctx context.Context, req SwapRequest) (*Swap, error) {
	if req.FeeAccount.IsZero() {
		req.PlatformFeeBps = 0
	}
	quote, err := c.Quote(ctx, req.QuoteRequest)
	if err != nil {
		return nil, err
	}

	body := swapBody{
		QuoteResponse:           quote.Raw,
		UserPublicKey:           req.User.String(),
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	}
	if req.PrioritizationFeeLamports > 0 {
		body.PrioritizationFeeLamports = req.PrioritizationFeeLamports
	} else {
		body.PrioritizationFeeLamports = "auto"
	}
	if !req.FeeAccount.IsZero() {
		body.FeeAccount = req.FeeAccount.String()
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/swap")
	if err != nil {
		return nil, fmt.Errorf("jupiter swap: %w", err)
	}
	if err := apiError(resp.StatusCode(), resp.Body()); err != nil {
		return nil, err
	}

	var out struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: decode swap: %v", ErrBadResponse, err)
	}
	if out.SwapTransaction == "" {
		return nil, fmt.Errorf("%w: no swapTransaction in response", ErrBadResponse)
	}
	txBytes, err := base64.StdEncoding.DecodeString(out.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrBadResponse, err)
	}
	tx, err := solana.TransactionFromBytes(txBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse transaction: %v", ErrBadResponse, err)
	}
	return &Swap{Tx: tx, Quote: quote}, nil
}

// apiError maps a non-200 reply or an {"error": ...} body onto an error.
func apiError(status int, raw []byte) error {
	var e struct {
		Error     string `json:"error"`
		ErrorCode string `json:"errorCode"`
	}
	_ = json.Unmarshal(raw, &e)

	if e.Error != "" {
		if e.ErrorCode == "COULD_NOT_FIND_ANY_ROUTE" || strings.Contains(strings.ToLower(e.Error), "route") {
			return fmt.Errorf("%w: %s", ErrNoRoute, e.Error)
		}
		return fmt.Errorf("jupiter error (HTTP %d): %s", status, e.Error)
	}
	if status != http.StatusOK {
		return fmt.Errorf("jupiter HTTP %d: %s", status, string(raw))
	}
	return nil
}
