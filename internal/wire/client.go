// Package wire is the exchange I/O boundary: REST market/order/balance
// calls, EIP-712 order signing, HMAC request auth, and the streaming price
// client. It is the only package allowed to know the exchange's wire
// dialects; everything above it talks in terms of internal/market types,
// with orders addressed by (token_id, condition_id) rather than any one
// market's native key.
package wire

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/reconcile"
)

// dataAPIURL is the Polymarket data-api host used for the positions/trades
// endpoints that back reconciliation, distinct from the Gamma and CLOB
// hosts used for market metadata and order flow.
const dataAPIURL = "https://data-api.polymarket.com"

// Polygon mainnet contract addresses for the CTF exchange, used in the
// EIP-712 domain separator.
const (
	ctfExchangeAddr = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	chainID         = 137

	sigTypeEOA       = 0
	sigTypePolyProxy = 1
)

// Config configures the REST/CLOB client and the token-bucket limiter.
type Config struct {
	GammaURL         string // fetch_markets / market metadata
	CLOBURL          string // order submit/query/cancel, balance
	WalletPrivateKey string
	WalletAddress    string
	FunderAddress    string
	APIKey           string
	APISecret        string
	Passphrase       string
	DryRun           bool
	FetchMarketsRPS  float64 // default 10
	RequestTimeout   time.Duration
	MaxRetries       int           // default 3, transport/rate-limit retries per request
	RetryDelay       time.Duration // default 1s, doubled per attempt
}

func (c Config) withDefaults() Config {
	if c.GammaURL == "" {
		c.GammaURL = "https://gamma-api.polymarket.com"
	}
	if c.CLOBURL == "" {
		c.CLOBURL = "https://clob.polymarket.com"
	}
	if c.FetchMarketsRPS <= 0 {
		c.FetchMarketsRPS = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Client is the exchange wire adapter: market/trade/orderbook fetches,
// price verification, balance fetch, and order submit/get/cancel.
type Client struct {
	cfg        Config
	privateKey *ecdsa.PrivateKey
	address    string
	sigType    int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a Client from Config. A missing private key is tolerated
// in any mode: the address then comes from WalletAddress, or stays empty if
// that is unset too, and order signing fails until a key is configured.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:        cfg,
		sigType:    sigTypePolyProxy,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.FetchMarketsRPS), int(cfg.FetchMarketsRPS)*2),
	}

	pkHex := strings.TrimPrefix(cfg.WalletPrivateKey, "0x")
	if pkHex != "" {
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if cfg.WalletAddress != "" {
		c.address = cfg.WalletAddress
	}

	log.Info().
		Bool("dry_run", cfg.DryRun).
		Str("address", c.address).
		Msg("wire adapter initialized")

	return c, nil
}

// ── fetch_markets ───────────────────────────────────────────────────────

type gammaMarket struct {
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	Category    string `json:"category"`
	EndDateISO  string `json:"end_date_iso"`
	Active      bool   `json:"active"`
	Tokens      []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

// FetchMarkets paginates the exchange's market universe, rate-shaped by a
// token bucket (default 10 req/s).
func (c *Client) FetchMarkets(ctx context.Context, activeOnly bool, page, pageSize int) ([]market.Market, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("active", strconv.FormatBool(activeOnly))
	q.Set("offset", strconv.Itoa(page*pageSize))
	q.Set("limit", strconv.Itoa(pageSize))

	body, err := c.getFrom(ctx, c.cfg.GammaURL, "/markets?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch_markets: %w", err)
	}

	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fetch_markets: decode: %w", err)
	}

	out := make([]market.Market, 0, len(raw))
	for _, gm := range raw {
		m := market.Market{
			ConditionID: gm.ConditionID,
			Question:    gm.Question,
			Category:    gm.Category,
			Active:      gm.Active,
		}
		if t, err := time.Parse(time.RFC3339, gm.EndDateISO); err == nil {
			m.EndTime = t
		}
		for i, tok := range gm.Tokens {
			m.Outcomes = append(m.Outcomes, market.Outcome{
				TokenID:      tok.TokenID,
				OutcomeLabel: tok.Outcome,
				OutcomeIndex: i,
			})
		}
		out = append(out, m)
	}
	return out, nil
}

// ── fetch_trades (G1: filters by age before returning) ─────────────────

type gammaTrade struct {
	ID          string `json:"id"`
	TokenID     string `json:"asset_id"`
	ConditionID string `json:"market"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Side        string `json:"side"`
	Timestamp   string `json:"match_time"`
}

// FetchTrades returns only trades fresher than maxAge; the caller never sees
// stale data. Returns the filtered count alongside the kept trades so the
// event processor's G1 counters can be driven from here too, though the
// processor applies its own G1 filter independently for events arriving via
// the stream.
func (c *Client) FetchTrades(ctx context.Context, tokenID string, maxAge time.Duration) (trades []market.Trade, filtered int, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	q := url.Values{}
	q.Set("asset_id", tokenID)
	body, err := c.getFrom(ctx, c.cfg.CLOBURL, "/trades?"+q.Encode())
	if err != nil {
		return nil, 0, fmt.Errorf("fetch_trades: %w", err)
	}

	var raw []gammaTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, fmt.Errorf("fetch_trades: decode: %w", err)
	}

	now := time.Now().UTC()
	for _, rt := range raw {
		ts, err := strconv.ParseInt(rt.Timestamp, 10, 64)
		if err != nil {
			filtered++
			continue
		}
		tradedAt := time.Unix(ts, 0).UTC()
		if now.Sub(tradedAt) > maxAge {
			filtered++
			continue
		}
		price, _ := decimal.NewFromString(rt.Price)
		size, _ := decimal.NewFromString(rt.Size)
		trades = append(trades, market.Trade{
			ID:          rt.ID,
			TokenID:     rt.TokenID,
			ConditionID: rt.ConditionID,
			Price:       price,
			Size:        size,
			Side:        market.Side(strings.ToUpper(rt.Side)),
			TradedAt:    tradedAt,
		})
	}
	return trades, filtered, nil
}

// ── fetch_orderbook / verify_price (G5) ─────────────────────────────────

type gammaBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type gammaOrderbook struct {
	Market  string           `json:"market"`
	AssetID string           `json:"asset_id"`
	Bids    []gammaBookLevel `json:"bids"`
	Asks    []gammaBookLevel `json:"asks"`
}

// FetchOrderbook fetches the current depth for a token.
func (c *Client) FetchOrderbook(ctx context.Context, tokenID string) (market.Orderbook, error) {
	body, err := c.getFrom(ctx, c.cfg.CLOBURL, "/book?token_id="+url.QueryEscape(tokenID))
	if err != nil {
		return market.Orderbook{}, fmt.Errorf("fetch_orderbook: %w", err)
	}

	var raw gammaOrderbook
	if err := json.Unmarshal(body, &raw); err != nil {
		return market.Orderbook{}, fmt.Errorf("fetch_orderbook: decode: %w", err)
	}

	ob := market.Orderbook{TokenID: tokenID, ObservedAt: time.Now().UTC()}
	// Bids descending, asks ascending — the exchange already returns them
	// sorted; levels with non-positive size are dropped defensively.
	for _, b := range raw.Bids {
		price, _ := decimal.NewFromString(b.Price)
		size, _ := decimal.NewFromString(b.Size)
		if size.IsPositive() {
			ob.Bids = append(ob.Bids, market.Level{Price: price, Size: size})
		}
	}
	for _, a := range raw.Asks {
		price, _ := decimal.NewFromString(a.Price)
		size, _ := decimal.NewFromString(a.Size)
		if size.IsPositive() {
			ob.Asks = append(ob.Asks, market.Level{Price: price, Size: size})
		}
	}
	return ob, nil
}

// VerifyPrice wraps fetch_orderbook for G5: compares the current best bid to
// an expected price and reports whether the deviation is within tolerance.
func (c *Client) VerifyPrice(ctx context.Context, tokenID string, expected, maxDeviation decimal.Decimal) (ok bool, bestBid decimal.Decimal, reason string, err error) {
	ob, err := c.FetchOrderbook(ctx, tokenID)
	if err != nil {
		return false, decimal.Zero, "", err
	}
	best, has := ob.BestBid()
	if !has {
		return false, decimal.Zero, "no_bids", nil
	}
	deviation := best.Price.Sub(expected).Abs()
	if deviation.GreaterThan(maxDeviation) {
		return false, best.Price, "price_deviation", nil
	}
	return true, best.Price, "", nil
}

// ── fetch_positions (reconciliation) ────────────────────────────────────

type dataAPIPosition struct {
	Asset         string `json:"asset"`
	ConditionID   string `json:"conditionId"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	CurPrice      string `json:"curPrice"`
	Outcome       string `json:"outcome"`
	OutcomeIndex  int    `json:"outcomeIndex"`
	Title         string `json:"title"`
	EndDate       string `json:"endDate"`
	CurUnrealized string `json:"cashPnl"`
}

type dataAPIPositionsResponse struct {
	Positions []dataAPIPosition `json:"positions"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
	Cursor     string `json:"cursor"`
}

// FetchPositions returns the wallet's current positions from the data-api.
// A response carrying any of next_cursor/has_more/cursor is flagged
// partial=true since this client follows no pagination — the caller must
// never trust an unfollowed page as the exhaustive position list. Entries
// whose size or avg price fails to parse are skipped and force
// partial=true so a caller cannot mistake a lossy parse for a clean,
// complete snapshot. Entries with zero-or-negative size are skipped
// without setting partial.
func (c *Client) FetchPositions(ctx context.Context, wallet string) (rows []reconcile.RemotePosition, partial bool, err error) {
	q := url.Values{}
	q.Set("user", wallet)
	body, err := c.getFrom(ctx, dataAPIURL, "/positions?"+q.Encode())
	if err != nil {
		return nil, false, fmt.Errorf("fetch_positions: %w", err)
	}

	var raw dataAPIPositionsResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		// some deployments return a bare array instead of an envelope
		var bare []dataAPIPosition
		if err2 := json.Unmarshal(body, &bare); err2 != nil {
			return nil, false, fmt.Errorf("fetch_positions: decode: %w", err)
		}
		raw.Positions = bare
	}
	if raw.NextCursor != "" || raw.HasMore || raw.Cursor != "" {
		partial = true
	}

	for _, p := range raw.Positions {
		size, err := decimal.NewFromString(p.Size)
		if err != nil {
			partial = true
			continue
		}
		if !size.IsPositive() {
			continue
		}
		avgPrice, err := decimal.NewFromString(p.AvgPrice)
		if err != nil {
			partial = true
			continue
		}
		curPrice, _ := decimal.NewFromString(p.CurPrice)
		pnl, _ := decimal.NewFromString(p.CurUnrealized)

		row := reconcile.RemotePosition{
			TokenID:       p.Asset,
			ConditionID:   p.ConditionID,
			Size:          size,
			AvgPrice:      avgPrice,
			CurrentPrice:  curPrice,
			Outcome:       p.Outcome,
			OutcomeIndex:  p.OutcomeIndex,
			Title:         p.Title,
			UnrealizedPnL: pnl,
		}
		if t, err := time.Parse(time.RFC3339, p.EndDate); err == nil {
			row.EndDate = t
		}
		rows = append(rows, row)
	}
	return rows, partial, nil
}

type dataAPITrade struct {
	Asset     string `json:"asset"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// FetchEarliestBuyTimestamps builds a token_id -> earliest BUY trade time
// map for the "actual" hold-policy. Best-effort: any failure here is
// swallowed to an empty map by the caller, since it only refines the
// age_source label of an imported position, never the correctness of the
// sync itself.
func (c *Client) FetchEarliestBuyTimestamps(ctx context.Context, wallet string) (map[string]time.Time, error) {
	q := url.Values{}
	q.Set("user", wallet)
	body, err := c.getFrom(ctx, dataAPIURL, "/trades?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch_trade_timestamps: %w", err)
	}

	var raw []dataAPITrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fetch_trade_timestamps: decode: %w", err)
	}

	out := make(map[string]time.Time)
	for _, t := range raw {
		if strings.ToUpper(t.Side) != "BUY" {
			continue
		}
		ts, err := strconv.ParseInt(t.Timestamp, 10, 64)
		if err != nil {
			continue
		}
		tradedAt := time.Unix(ts, 0).UTC()
		if existing, ok := out[t.Asset]; !ok || tradedAt.Before(existing) {
			out[t.Asset] = tradedAt
		}
	}
	return out, nil
}

// ── fetch_balance ────────────────────────────────────────────────────────

// FetchBalance returns collateral balance, trying the CLOB balance-allowance
// endpoint first and falling back to on-chain ERC20 balanceOf.
func (c *Client) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.cfg.DryRun {
		return decimal.NewFromInt(100), nil
	}
	if c.address == "" {
		return decimal.Zero, fmt.Errorf("fetch_balance: no wallet address")
	}

	if c.cfg.APIKey != "" && c.cfg.APISecret != "" {
		if bal, err := c.clobCollateralBalance(ctx); err == nil && !bal.IsZero() {
			return bal, nil
		}
	}

	bal, err := c.onChainUSDCBalance(ctx, c.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch_balance: %w", err)
	}
	return bal, nil
}

func (c *Client) clobCollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.get(ctx, "/balance-allowance?asset_type=COLLATERAL&signature_type=1")
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	if result.Balance == "" {
		return decimal.Zero, nil
	}
	bal, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Div(decimal.NewFromInt(1_000_000)), nil
}

func (c *Client) onChainUSDCBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	const usdcAddr = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	cleanAddr := strings.TrimPrefix(address, "0x")
	data := "0x70a08231" + fmt.Sprintf("%064s", cleanAddr)

	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params": []any{
			map[string]string{"to": usdcAddr, "data": data},
			"latest",
		},
		"id": 1,
	}
	jsonBody, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://polygon-rpc.com", bytes.NewReader(jsonBody))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	if result.Result == "" || result.Result == "0x" || result.Result == "0x0" {
		return decimal.Zero, nil
	}
	return parseHexBalance(result.Result)
}

func parseHexBalance(hexStr string) (decimal.Decimal, error) {
	hexVal := strings.TrimPrefix(hexStr, "0x")
	n := new(big.Int)
	if _, ok := n.SetString(hexVal, 16); !ok {
		return decimal.Zero, fmt.Errorf("parse_hex_balance: invalid hex %q", hexStr)
	}
	balance := decimal.RequireFromString(n.String())
	return balance.Div(decimal.NewFromInt(1_000_000)), nil
}

// ── submit_order / get_order / cancel_order ─────────────────────────────

type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// SubmitOrder places a GTC limit order and returns the exchange order id.
// Every failure, including an exchange errorMsg, is returned as a generic
// wrapped error; an exchange-side insufficient-balance rejection is not
// distinguished from other failures.
func (c *Client) SubmitOrder(ctx context.Context, tokenID string, side market.Side, price, size decimal.Decimal) (string, error) {
	if c.cfg.DryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("token", truncate(tokenID)).
			Str("side", string(side)).
			Str("price", price.StringFixed(4)).
			Str("size", size.StringFixed(2)).
			Msg("dry run: order would be placed")
		return orderID, nil
	}

	order, err := c.buildSignedOrder(tokenID, price, size, side)
	if err != nil {
		return "", fmt.Errorf("submit_order: build: %w", err)
	}

	payload := orderPayload{Order: *order, Owner: c.cfg.APIKey, OrderType: "GTC"}
	body, err := c.post(ctx, "/order", payload)
	if err != nil {
		return "", fmt.Errorf("submit_order: %w", err)
	}

	var result struct {
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("submit_order: decode: %w", err)
	}
	if result.ErrorMsg != "" {
		return "", fmt.Errorf("submit_order: %s", result.ErrorMsg)
	}
	return result.OrderID, nil
}

func (c *Client) buildSignedOrder(tokenID string, price, size decimal.Decimal, side market.Side) (*signedOrder, error) {
	maker := c.cfg.FunderAddress
	if maker == "" {
		maker = c.address
	}

	usdcDecimals := decimal.NewFromInt(1_000_000)
	var makerAmount, takerAmount decimal.Decimal
	if side == market.SideBuy {
		makerAmount = size.Mul(price).Mul(usdcDecimals).Floor()
		takerAmount = size.Mul(usdcDecimals).Floor()
	} else {
		makerAmount = size.Mul(usdcDecimals).Floor()
		takerAmount = size.Mul(price).Mul(usdcDecimals).Floor()
	}

	order := &signedOrder{
		Salt:          generateSalt(),
		Maker:         maker,
		Signer:        c.address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(side),
		SignatureType: c.sigType,
	}

	sig, err := c.signOrderEIP712(order)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	order.Signature = sig
	return order, nil
}

func (c *Client) signOrderEIP712(order *signedOrder) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	domainSeparator := buildDomainSeparator(ctfExchangeAddr, chainID)
	orderHash := buildOrderStructHash(order)

	data := make([]byte, 0, 2+32+32)
	data = append(data, []byte("\x19\x01")...)
	data = append(data, domainSeparator[:]...)
	data = append(data, orderHash[:]...)

	finalHash := crypto.Keccak256(data)

	sig, err := crypto.Sign(finalHash, c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func buildDomainSeparator(contractAddr string, chainID int) [32]byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte("Polymarket CTF Exchange"))
	versionHash := crypto.Keccak256([]byte("1"))

	chainIDBytes := common.LeftPadBytes(big.NewInt(int64(chainID)).Bytes(), 32)
	contractPadded := common.LeftPadBytes(common.HexToAddress(contractAddr).Bytes(), 32)

	data := append([]byte{}, domainTypeHash...)
	data = append(data, nameHash...)
	data = append(data, versionHash...)
	data = append(data, chainIDBytes...)
	data = append(data, contractPadded...)

	hash := crypto.Keccak256(data)
	var result [32]byte
	copy(result[:], hash)
	return result
}

func buildOrderStructHash(order *signedOrder) [32]byte {
	orderTypeHash := crypto.Keccak256([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))

	sideVal := 0
	if order.Side == string(market.SideSell) {
		sideVal = 1
	}

	fields := [][]byte{
		orderTypeHash,
		padUint256(order.Salt),
		common.LeftPadBytes(common.HexToAddress(order.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(order.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(order.Taker).Bytes(), 32),
		padUint256(order.TokenID),
		padUint256(order.MakerAmount),
		padUint256(order.TakerAmount),
		padUint256(order.Expiration),
		padUint256(order.Nonce),
		padUint256(order.FeeRateBps),
		common.LeftPadBytes([]byte{byte(sideVal)}, 32),
		common.LeftPadBytes([]byte{byte(order.SignatureType)}, 32),
	}

	var data []byte
	for _, f := range fields {
		data = append(data, f...)
	}

	hash := crypto.Keccak256(data)
	var result [32]byte
	copy(result[:], hash)
	return result
}

func padUint256(s string) []byte {
	n := new(big.Int)
	n.SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

func generateSalt() string {
	b := make([]byte, 32)
	rand.Read(b)
	return new(big.Int).SetBytes(b).String()
}

func truncate(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}

// GetOrder queries the current wire-side state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (market.WireOrderState, error) {
	if c.cfg.DryRun && strings.HasPrefix(orderID, "DRY_") {
		return market.WireOrderState{
			OrderID: orderID, Status: market.OrderFilled,
			FilledSize: decimal.Zero, AvgFillPrice: decimal.Zero,
		}, nil
	}

	body, err := c.get(ctx, "/order/"+url.QueryEscape(orderID))
	if err != nil {
		return market.WireOrderState{}, fmt.Errorf("get_order: %w", err)
	}

	var raw struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		OriginalSize string `json:"original_size"`
		SizeMatched  string `json:"size_matched"`
		Price        string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return market.WireOrderState{}, fmt.Errorf("get_order: decode: %w", err)
	}

	size, _ := decimal.NewFromString(raw.OriginalSize)
	filled, _ := decimal.NewFromString(raw.SizeMatched)
	avg, _ := decimal.NewFromString(raw.Price)

	return market.WireOrderState{
		OrderID:      raw.ID,
		Status:       mapWireStatus(raw.Status, filled, size),
		Size:         size,
		FilledSize:   filled,
		AvgFillPrice: avg,
	}, nil
}

func mapWireStatus(wireStatus string, filled, size decimal.Decimal) market.OrderStatus {
	switch strings.ToUpper(wireStatus) {
	case "MATCHED", "FILLED":
		return market.OrderFilled
	case "CANCELLED", "CANCELED":
		return market.OrderCancelled
	case "REJECTED", "EXPIRED", "FAILED":
		return market.OrderFailed
	case "LIVE":
		if filled.IsPositive() && filled.LessThan(size) {
			return market.OrderPartial
		}
		if size.IsPositive() && filled.GreaterThanOrEqual(size) {
			return market.OrderFilled
		}
		return market.OrderLive
	default:
		return market.OrderPending
	}
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.cfg.DryRun {
		return true, nil
	}
	_, err := c.deleteWithBody(ctx, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return false, fmt.Errorf("cancel_order: %w", err)
	}
	return true, nil
}

// ── HTTP helpers with HMAC request signing ──────────────────────────────

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.getFrom(ctx, c.cfg.CLOBURL, path)
}

func (c *Client) getFrom(ctx context.Context, base, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, err
	}
	if base == c.cfg.CLOBURL {
		c.addHeaders(req)
	}
	return c.doRequest(req)
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CLOBURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) deleteWithBody(ctx context.Context, path string, body any) ([]byte, error) {
	var jsonBody []byte
	if body != nil {
		jsonBody, _ = json.Marshal(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.CLOBURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_API_KEY", c.cfg.APIKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.cfg.Passphrase)

	if c.cfg.APISecret == "" {
		return
	}
	message := timestamp + req.Method + req.URL.Path
	if req.Body != nil {
		bodyBytes, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		if len(bodyBytes) > 0 {
			message += string(bodyBytes)
		}
	}
	req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
}

func (c *Client) hmacSign(message string) string {
	key, err := base64.URLEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(c.cfg.APISecret)
		if err != nil {
			key = []byte(c.cfg.APISecret)
		}
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// doRequest performs the call, retrying transport failures (5xx, timeouts,
// connection errors) and rate limits with exponential backoff up to
// MaxRetries; a non-429 4xx is fatal immediately. An error that survives
// the retries propagates to the caller, which decides whether it means a
// SubmissionAmbiguous condition or a plain query failure.
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	delay := c.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		body, err := c.doOnce(req)
		if err == nil {
			return body, nil
		}

		var transport *TransportError
		var rateLimited *RateLimitError
		retryable := errors.As(err, &transport) || errors.As(err, &rateLimited)
		if !retryable || attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		wait := delay
		if rateLimited != nil {
			// rate limits back off longer than plain transport hiccups
			wait *= 4
		}
		log.Warn().Err(err).Dur("backoff", wait).Int("attempt", attempt+1).
			Str("path", req.URL.Path).Msg("wire: retrying request")

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
		delay *= 2

		if req.GetBody != nil {
			if req.Body, err = req.GetBody(); err != nil {
				return nil, err
			}
		}
	}
}

func (c *Client) doOnce(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Status: resp.StatusCode, Body: string(body)}
	case resp.StatusCode >= 500:
		return nil, &TransportError{Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(body))}
	case resp.StatusCode >= 400:
		return nil, &FatalHTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// TransportError wraps 5xx/connection failures — retryable with backoff.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError indicates a 429 — retryable with longer backoff.
type RateLimitError struct {
	Status int
	Body   string
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited: %s", e.Body) }

// FatalHTTPError indicates a non-429 4xx — not retryable.
type FatalHTTPError struct {
	Status int
	Body   string
}

func (e *FatalHTTPError) Error() string { return fmt.Sprintf("http %d: %s", e.Status, e.Body) }
