package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"tradingbus/internal/config"
	"tradingbus/pkg/types"
)

// Credentials holds the REST API key triplet used for HMAC-signed trading
// requests (key auth).
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth handles one registered account's authentication. Two schemes are
// supported, either or both active at once depending on the venue:
//
//   - Wallet (EIP-712): used by venues that authenticate orders against an
//     on-chain address. Signs a typed-data message with the account's
//     private key.
//
//   - Key (HMAC-SHA256): used by conventional REST venues. Signs
//     "timestamp + method + path [+ body]" with the account's API secret.
//
// The funderAddress may differ from address when trading through a proxy
// or multisig wallet.
type Auth struct {
	accountID     uint32
	privateKey    *ecdsa.PrivateKey // nil if this account has no wallet auth configured
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	creds         Credentials
}

// NewAuth creates an Auth instance from one account's config. PrivateKey
// may be empty for accounts that authenticate with API keys only.
func NewAuth(acc config.AccountConfig) (*Auth, error) {
	a := &Auth{
		accountID: acc.ID,
		creds: Credentials{
			ApiKey:     acc.ApiKey,
			Secret:     acc.Secret,
			Passphrase: acc.Passphrase,
		},
	}

	if acc.PrivateKey == "" {
		return a, nil
	}

	keyHex := acc.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funder := address
	if acc.FunderAddr != "" {
		funder = common.HexToAddress(acc.FunderAddr)
	}

	chainID := acc.ChainID
	if chainID == 0 {
		chainID = 1
	}

	a.privateKey = privateKey
	a.address = address
	a.funderAddress = funder
	a.chainID = big.NewInt(chainID)
	return a, nil
}

// AccountID returns the account this Auth was registered for.
func (a *Auth) AccountID() uint32 { return a.accountID }

// Address returns the signer's Ethereum address (zero value if this
// account has no wallet auth configured).
func (a *Auth) Address() common.Address { return a.address }

// FunderAddress returns the funder/proxy wallet address.
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }

// HasWalletAuth reports whether this account can sign EIP-712 messages.
func (a *Auth) HasWalletAuth() bool { return a.privateKey != nil }

// HasKeyCredentials returns whether API key credentials are configured.
func (a *Auth) HasKeyCredentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials sets the API key credentials (after deriving or rotating them).
func (a *Auth) SetCredentials(creds Credentials) {
	a.creds = creds
}

// WalletHeaders generates headers for wallet-authenticated endpoints (key
// derivation / management).
func (a *Auth) WalletHeaders(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign auth message: %w", err)
	}

	return map[string]string{
		"X-TB-ADDRESS":   a.address.Hex(),
		"X-TB-SIGNATURE": sig,
		"X-TB-TIMESTAMP": timestamp,
		"X-TB-NONCE":     strconv.Itoa(nonce),
	}, nil
}

// KeyHeaders generates headers for HMAC-authenticated trading endpoints.
func (a *Auth) KeyHeaders(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"X-TB-SIGNATURE":  sig,
		"X-TB-TIMESTAMP":  timestamp,
		"X-TB-API-KEY":    a.creds.ApiKey,
		"X-TB-PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// WSAuthPayload returns credentials for the user WebSocket channel.
func (a *Auth) WSAuthPayload() *types.WSAuth {
	return &types.WSAuth{
		ApiKey:     a.creds.ApiKey,
		Secret:     a.creds.Secret,
		Passphrase: a.creds.Passphrase,
	}
}

// signAuthMessage produces an EIP-712 signature proving wallet ownership.
func (a *Auth) signAuthMessage(timestamp string, nonce int) (string, error) {
	sig, err := a.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:    "TradingBusAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Auth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"Auth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (a *Auth) SignTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// buildHMAC computes the HMAC-SHA256 signature for key auth.
// message = timestamp + method + requestPath [+ body]
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// PriceToAmounts converts a human-readable price and size to on-chain
// maker/taker amounts as big.Int values in 6-decimal settlement units
// (used by venues that settle on-chain in fixed-point tokens). Size is
// truncated to 2 decimals and the quote-side amount (cost or revenue) to
// amountDecimals before scaling.
// decimal.Decimal is used for the intermediate rounding to avoid the float
// drift that plagued the teacher's direct float64 rounding.
//
// For BUY:  you pay makerAmount quote units, you receive takerAmount base units
// For SELL: you give makerAmount base units, you receive takerAmount quote units
func PriceToAmounts(price, size float64, side types.Side, amountDecimals int) (makerAmt, takerAmt *big.Int) {
	scale := decimal.New(1, 6) // 6-decimal settlement unit, e.g. USDC

	sizeD := decimal.NewFromFloat(size).Truncate(2)
	priceD := decimal.NewFromFloat(price)

	switch side {
	case types.BUY:
		cost := sizeD.Mul(priceD).Truncate(int32(amountDecimals))
		makerAmt = cost.Mul(scale).Truncate(0).BigInt()
		takerAmt = sizeD.Mul(scale).Truncate(0).BigInt()
	case types.SELL:
		makerAmt = sizeD.Mul(scale).Truncate(0).BigInt()
		revenue := sizeD.Mul(priceD).Truncate(int32(amountDecimals))
		takerAmt = revenue.Mul(scale).Truncate(0).BigInt()
	}
	return makerAmt, takerAmt
}

// roundDown truncates a float to the given number of decimal places.
func roundDown(val float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return float64(int64(val*pow)) / pow
}
