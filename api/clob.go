package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/models"
	"polymarket-copytrader/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

const (
	DefaultClobURL = "https://clob.polymarket.com"

	ctfExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

// ErrOrderNotFound is returned by LookupOrder when the exchange has no
// record of the order.
var ErrOrderNotFound = errors.New("order not found")

// ClobConfig configures a trading session against the CLOB.
type ClobConfig struct {
	BaseURL       string
	ChainID       int64
	SignatureType int    // 0=EOA, 1=Magic/Email, 2=Browser proxy
	Funder        string // profile address holding USDC, empty for EOA
	Timeout       time.Duration
}

// ClobClient handles CLOB API interactions for one wallet.
type ClobClient struct {
	baseURL       string
	httpClient    *http.Client
	auth          *Auth
	apiCreds      *APICreds
	chainID       int64
	funder        common.Address
	signatureType int
	logger        *slog.Logger

	negRiskMu sync.Mutex
	negRisk   map[string]bool
}

// APICreds holds API credentials for CLOB
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// OrderBook represents the order book for a token
type OrderBook struct {
	Market  string           `json:"market"`
	AssetID string           `json:"asset_id"`
	Bids    []OrderBookLevel `json:"bids"`
	Asks    []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (market order)
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled (limit order)
)

// Order represents a signed order
type Order struct {
	Salt          int64  `json:"salt"`
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
	sideInt       int
}

// OrderRequest is the payload for placing an order
type OrderRequest struct {
	Order     Order     `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

// OrderResponse is the response from placing an order
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // matched, live, delayed, unmatched
}

// OrderResult is what a successful submission hands back to the caller.
type OrderResult struct {
	OrderID   string
	OrderHash string
	Status    string
}

// OpenOrder is the exchange's view of a previously submitted order.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// BalanceAllowance is the response of /balance-allowance.
type BalanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// AssetType represents the type of asset
type AssetType string

const (
	AssetTypeCollateral  AssetType = "COLLATERAL"  // USDC
	AssetTypeConditional AssetType = "CONDITIONAL" // Outcome tokens
)

// NewClobClient creates a new CLOB API client
func NewClobClient(cfg ClobConfig, auth *Auth) *ClobClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultClobURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 137
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	funder := auth.GetAddress()
	if cfg.Funder != "" {
		funder = common.HexToAddress(cfg.Funder)
	}

	return &ClobClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		auth:          auth,
		chainID:       cfg.ChainID,
		funder:        funder,
		signatureType: cfg.SignatureType,
		logger:        slog.Default().With("component", "clob", "wallet", utils.ShortAddress(auth.GetAddress().Hex())),
		negRisk:       make(map[string]bool),
	}
}

// Address returns the signing wallet address.
func (c *ClobClient) Address() string {
	return c.auth.GetAddress().Hex()
}

// DeriveAPICreds creates API credentials, falling back to deriving the
// existing ones when the key already exists.
func (c *ClobClient) DeriveAPICreds(ctx context.Context) (*APICreds, error) {
	creds, err := c.l1CredsRequest(ctx, http.MethodPost, "/auth/api-key")
	if err == nil {
		c.apiCreds = creds
		c.logger.Info("created API credentials")
		return creds, nil
	}

	c.logger.Debug("creating creds failed, deriving existing", "error", err)
	creds, err = c.l1CredsRequest(ctx, http.MethodGet, "/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("failed to derive API creds: %w", err)
	}

	c.apiCreds = creds
	return creds, nil
}

func (c *ClobClient) l1CredsRequest(ctx context.Context, method, path string) (*APICreds, error) {
	headers, err := c.auth.SignRequest()
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s %s failed: %d %s", method, path, resp.StatusCode, string(body))
	}

	var creds APICreds
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode API creds: %w", err)
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("%s %s returned empty credentials", method, path)
	}
	return &creds, nil
}

func (c *ClobClient) ensureCreds(ctx context.Context) error {
	if c.apiCreds != nil {
		return nil
	}
	_, err := c.DeriveAPICreds(ctx)
	return err
}

// GetOrderBook fetches the order book for a token
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	values := url.Values{}
	values.Set("token_id", tokenID)

	var book OrderBook
	if err := c.getPublic(ctx, "/book?"+values.Encode(), &book); err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	return &book, nil
}

// isNegRisk reports whether a token trades on the neg-risk exchange. The
// answer never changes for a token, so it is cached.
func (c *ClobClient) isNegRisk(ctx context.Context, tokenID string) (bool, error) {
	c.negRiskMu.Lock()
	v, ok := c.negRisk[tokenID]
	c.negRiskMu.Unlock()
	if ok {
		return v, nil
	}

	values := url.Values{}
	values.Set("token_id", tokenID)

	var resp struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := c.getPublic(ctx, "/neg-risk?"+values.Encode(), &resp); err != nil {
		return false, fmt.Errorf("get neg risk: %w", err)
	}

	c.negRiskMu.Lock()
	c.negRisk[tokenID] = resp.NegRisk
	c.negRiskMu.Unlock()
	return resp.NegRisk, nil
}

func (c *ClobClient) getPublic(ctx context.Context, pathAndQuery string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%d %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitMarketOrder places a Fill-Or-Kill BUY spending amount USDC.
//
// Errors before the order is posted (credentials, book, signing) mean
// nothing was sent. A RejectedError means the exchange refused it. An
// UnknownOutcomeError means the order may exist and must be looked up by
// its hash before anything else is done.
func (c *ClobClient) SubmitMarketOrder(ctx context.Context, tokenID string, side models.Side, amount decimal.Decimal) (*OrderResult, error) {
	if side != models.SideBuy {
		return nil, fmt.Errorf("unsupported market order side %q", side)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("market order amount must be positive, got %s", amount)
	}

	if err := c.ensureCreds(ctx); err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	price, err := marketBuyPrice(book.Asks, amount)
	if err != nil {
		return nil, err
	}

	negRisk, err := c.isNegRisk(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	makerAmount, takerAmount := buyAmounts(amount, price)
	if !makerAmount.IsPositive() || !takerAmount.IsPositive() {
		return nil, &RejectedError{Message: fmt.Sprintf("amount %s too small to place at price %s", amount, price)}
	}

	order := c.newOrder(tokenID, models.SideBuy, makerAmount, takerAmount)
	orderHash, err := c.signOrder(order, negRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	c.logger.Info("posting market order",
		"token", tokenID,
		"amount", amount.String(),
		"worst_price", price.String(),
		"order_hash", utils.ShortHash(orderHash),
	)

	resp, err := c.postOrder(ctx, order, OrderTypeFOK, orderHash)
	if err != nil {
		return nil, err
	}

	orderID := resp.OrderID
	if orderID == "" {
		orderID = orderHash
	}
	return &OrderResult{OrderID: orderID, OrderHash: orderHash, Status: resp.Status}, nil
}

// marketBuyPrice walks the asks from the cheapest level until amount USDC is
// covered and returns the last price touched. That price is used as the
// limit of the FOK order so the whole book sweep can fill.
func marketBuyPrice(asks []OrderBookLevel, amount decimal.Decimal) (decimal.Decimal, error) {
	type level struct {
		price, size decimal.Decimal
	}

	levels := make([]level, 0, len(asks))
	for _, a := range asks {
		p, err := decimal.NewFromString(a.Price)
		if err != nil || !p.IsPositive() {
			continue
		}
		s, err := decimal.NewFromString(a.Size)
		if err != nil || !s.IsPositive() {
			continue
		}
		levels = append(levels, level{p, s})
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].price.LessThan(levels[j].price) })

	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.price.Mul(l.size))
		if total.GreaterThanOrEqual(amount) {
			return l.price, nil
		}
	}
	return decimal.Zero, &RejectedError{Message: fmt.Sprintf("insufficient liquidity for %s USDC (book holds %s)", amount, total.StringFixed(2))}
}

// buyAmounts converts a USDC amount at a limit price into maker (USDC) and
// taker (shares) amounts in 6-decimal base units, rounded down.
func buyAmounts(amount, price decimal.Decimal) (maker, taker decimal.Decimal) {
	price = price.Round(2)
	usdc := amount.RoundDown(2)
	if !price.IsPositive() {
		return usdc.Shift(6), decimal.Zero
	}
	shares := usdc.Div(price).RoundDown(4)
	return usdc.Shift(6), shares.Shift(6)
}

func (c *ClobClient) newOrder(tokenID string, side models.Side, makerAmount, takerAmount decimal.Decimal) *Order {
	sideInt := 0
	if side == models.SideSell {
		sideInt = 1
	}

	// For Magic wallets: maker = funder (where funds are), signer = private key wallet
	// For EOA wallets: maker = signer = wallet address
	return &Order{
		Salt:          generateSalt(),
		Maker:         c.funder.Hex(),
		Signer:        c.auth.GetAddress().Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmount.Truncate(0).String(),
		TakerAmount:   takerAmount.Truncate(0).String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(side),
		SignatureType: c.signatureType,
		sideInt:       sideInt,
	}
}

// signOrder signs the order in place and returns its EIP-712 hash, which is
// also the id the exchange assigns to it.
func (c *ClobClient) signOrder(order *Order, negRisk bool) (string, error) {
	verifyingContract := ctfExchange
	if negRisk {
		verifyingContract = negRiskCTFExchange
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(c.chainID),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          big.NewInt(order.Salt),
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       bigFromString(order.TokenID),
			"makerAmount":   bigFromString(order.MakerAmount),
			"takerAmount":   bigFromString(order.TakerAmount),
			"expiration":    bigFromString(order.Expiration),
			"nonce":         bigFromString(order.Nonce),
			"feeRateBps":    bigFromString(order.FeeRateBps),
			"side":          big.NewInt(int64(order.sideInt)),
			"signatureType": big.NewInt(int64(order.SignatureType)),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash typed data: %w", err)
	}

	signature, err := c.auth.signTypedData(typedData)
	if err != nil {
		return "", err
	}
	order.Signature = signature

	return "0x" + hex.EncodeToString(hash), nil
}

func bigFromString(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func (c *ClobClient) postOrder(ctx context.Context, order *Order, orderType OrderType, orderHash string) (*OrderResponse, error) {
	payload := OrderRequest{
		Order:     *order,
		Owner:     c.apiCreds.APIKey,
		OrderType: orderType,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.addL2Headers(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isDialError(err) {
			// connection never established, the exchange cannot have seen it
			return nil, fmt.Errorf("post order: %w", err)
		}
		return nil, &UnknownOutcomeError{OrderHash: orderHash, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnknownOutcomeError{OrderHash: orderHash, Err: fmt.Errorf("read response: %w", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &UnknownOutcomeError{OrderHash: orderHash, Err: fmt.Errorf("post order: %d %s", resp.StatusCode, string(respBody))}
	default:
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, &UnknownOutcomeError{OrderHash: orderHash, Err: fmt.Errorf("decode order response: %w", err)}
	}
	if !orderResp.Success || orderResp.ErrorMsg != "" {
		return nil, &RejectedError{Message: orderResp.ErrorMsg}
	}

	return &orderResp, nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// LookupOrder fetches an order by id (its hash). ErrOrderNotFound means the
// exchange has never seen it.
func (c *ClobClient) LookupOrder(ctx context.Context, orderID string) (*OpenOrder, error) {
	if err := c.ensureCreds(ctx); err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/order/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	c.addL2Headers(req, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup order failed: %d %s", resp.StatusCode, string(body))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, ErrOrderNotFound
	}

	var order OpenOrder
	if err := json.Unmarshal(trimmed, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	if order.ID == "" {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

// GetBalanceAllowance fetches the balance and allowance for the authenticated user
func (c *ClobClient) GetBalanceAllowance(ctx context.Context, assetType AssetType, tokenID string) (*BalanceAllowance, error) {
	if err := c.ensureCreds(ctx); err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	params := url.Values{}
	params.Set("asset_type", string(assetType))
	if tokenID != "" {
		params.Set("token_id", tokenID)
	}
	params.Set("signature_type", strconv.Itoa(c.signatureType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/balance-allowance?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.addL2Headers(req, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get balance allowance failed: %d %s", resp.StatusCode, string(body))
	}

	var result BalanceAllowance
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode balance allowance: %w", err)
	}
	return &result, nil
}

// GetUSDCBalance returns the collateral balance in USDC.
func (c *ClobClient) GetUSDCBalance(ctx context.Context) (decimal.Decimal, error) {
	ba, err := c.GetBalanceAllowance(ctx, AssetTypeCollateral, "")
	if err != nil {
		return decimal.Zero, err
	}

	// Balance is in 6-decimal USDC format (e.g., "1000000" = $1.00)
	raw, err := decimal.NewFromString(ba.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance: %w", err)
	}
	return raw.Shift(-6), nil
}

// addL2Headers signs timestamp + method + path + body with the API secret.
func (c *ClobClient) addL2Headers(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + req.Method + req.URL.Path + string(body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_ADDRESS", c.auth.GetAddress().Hex())
	req.Header.Set("POLY_API_KEY", c.apiCreds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", c.apiCreds.APIPassphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", hmacSign(message, c.apiCreds.APISecret))
}

func hmacSign(message string, secret string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func generateSalt() int64 {
	return time.Now().UnixNano() % 1000000000
}
