package api

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const clobAuthMessage = "This message attests that I control the given wallet"

// ErrInvalidPrivateKey is returned for keys that are not 32 bytes of hex.
var ErrInvalidPrivateKey = errors.New("invalid private key")

// Auth holds the signing key of one managed wallet.
type Auth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	now        func() time.Time
}

// NewAuth parses a hex private key (with or without 0x prefix).
func NewAuth(privateKeyHex string, chainID int64) (*Auth, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if len(keyHex) != 64 {
		return nil, ErrInvalidPrivateKey
	}
	if _, err := hex.DecodeString(keyHex); err != nil {
		return nil, ErrInvalidPrivateKey
	}

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	if chainID == 0 {
		chainID = 137
	}

	return &Auth{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		now:        time.Now,
	}, nil
}

// GetAddress returns the wallet address derived from the key.
func (a *Auth) GetAddress() common.Address {
	return a.address
}

// SignRequest builds the L1 headers used to create or derive CLOB API keys.
func (a *Auth) SignRequest() (map[string]string, error) {
	return a.signClobAuth(0)
}

func (a *Auth) signClobAuth(nonce int64) (map[string]string, error) {
	timestamp := strconv.FormatInt(a.now().Unix(), 10)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(a.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     big.NewInt(nonce),
			"message":   clobAuthMessage,
		},
	}

	signature, err := a.signTypedData(typedData)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": signature,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}, nil
}

// signTypedData hashes typed data per EIP-712 and returns a 0x-prefixed
// signature with v in {27, 28}.
func (a *Auth) signTypedData(typedData apitypes.TypedData) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash typed data: %w", err)
	}

	signature, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}
