// Package eip712 implements the domain-separator and struct-hash
// construction, and secp256k1 signing, for Polymarket CTF Exchange orders.
//
// The hashing algorithm and the two verifying-contract addresses are fixed
// by the exchange's on-chain EIP-712 domain; this package exists to make
// that construction auditable against the exchange's own reference values
// rather than trusted to a generic "sign typed data" helper.
package eip712

import (
	"crypto/ecdsa"
	crand "crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Polygon mainnet chain ID. DomainSeparator, Digest and Sign take the chain
// ID as an argument, so the signer also works against the Amoy testnet.
const PolygonChainID = 137

const (
	eip712DomainName    = "Polymarket CTF Exchange"
	eip712DomainVersion = "1"
)

// Verifying-contract addresses on Polygon mainnet, selected by the order's
// neg_risk flag (neg-risk markets route through a different CTF Exchange
// deployment).
var (
	exchangeAddress        = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	negRiskExchangeAddress = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

func verifyingContract(negRisk bool) common.Address {
	if negRisk {
		return negRiskExchangeAddress
	}
	return exchangeAddress
}

// Side mirrors the exchange's on-chain order side encoding.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

// SignatureType mirrors the exchange's on-chain signature scheme encoding.
type SignatureType uint8

const (
	SigEOA        SignatureType = 0
	SigPolyProxy  SignatureType = 1
	SigGnosisSafe SignatureType = 2
)

// Order is the EIP-712 struct signed by the maker's wallet. All numeric
// fields are encoded as 32-byte big-endian words in the struct hash; field
// order here matches the declared order in the typehash exactly.
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          Side
	SignatureType SignatureType
}

// orderTypeHash is keccak256 of the Order struct's EIP-712 type string.
var orderTypeHash = crypto.Keccak256(
	[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
)

// domainTypeHash is keccak256 of the EIP712Domain struct's type string.
var domainTypeHash = crypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

func encodeUint256(v *big.Int) []byte {
	var out [32]byte
	if v == nil {
		return out[:]
	}
	v.FillBytes(out[:])
	return out[:]
}

func encodeAddress(a common.Address) []byte {
	var out [32]byte
	copy(out[12:], a.Bytes())
	return out[:]
}

func encodeUint8(v uint8) []byte {
	var out [32]byte
	out[31] = v
	return out[:]
}

// DomainSeparator computes the EIP-712 domain separator for the given chain
// and neg_risk selection.
func DomainSeparator(chainID int64, negRisk bool) [32]byte {
	nameHash := crypto.Keccak256([]byte(eip712DomainName))
	versionHash := crypto.Keccak256([]byte(eip712DomainVersion))

	buf := make([]byte, 0, 32*5)
	buf = append(buf, domainTypeHash...)
	buf = append(buf, nameHash...)
	buf = append(buf, versionHash...)
	buf = append(buf, encodeUint256(big.NewInt(chainID))...)
	buf = append(buf, encodeAddress(verifyingContract(negRisk))...)

	var out [32]byte
	copy(out[:], crypto.Keccak256(buf))
	return out
}

// StructHash computes the keccak256 struct hash of an Order.
func StructHash(o Order) [32]byte {
	buf := make([]byte, 0, 32*13)
	buf = append(buf, orderTypeHash...)
	buf = append(buf, encodeUint256(o.Salt)...)
	buf = append(buf, encodeAddress(o.Maker)...)
	buf = append(buf, encodeAddress(o.Signer)...)
	buf = append(buf, encodeAddress(o.Taker)...)
	buf = append(buf, encodeUint256(o.TokenID)...)
	buf = append(buf, encodeUint256(o.MakerAmount)...)
	buf = append(buf, encodeUint256(o.TakerAmount)...)
	buf = append(buf, encodeUint256(o.Expiration)...)
	buf = append(buf, encodeUint256(o.Nonce)...)
	buf = append(buf, encodeUint256(o.FeeRateBps)...)
	buf = append(buf, encodeUint8(uint8(o.Side))...)
	buf = append(buf, encodeUint8(uint8(o.SignatureType))...)

	var out [32]byte
	copy(out[:], crypto.Keccak256(buf))
	return out
}

// Digest computes the full EIP-712 message hash:
// keccak256(0x1901 || domainSeparator || structHash).
func Digest(o Order, chainID int64, negRisk bool) [32]byte {
	domainSep := DomainSeparator(chainID, negRisk)
	structHash := StructHash(o)

	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, domainSep[:]...)
	buf = append(buf, structHash[:]...)

	var out [32]byte
	copy(out[:], crypto.Keccak256(buf))
	return out
}

// NewSalt generates a random 256-bit salt for Order.Salt, matching the
// exchange's own order-builder clients.
func NewSalt() *big.Int {
	buf := make([]byte, 32)
	if _, err := crand.Read(buf); err != nil {
		// crypto/rand failing means the OS entropy source is broken; fall
		// back to the zero salt rather than panicking mid-trading-loop.
		return new(big.Int)
	}
	return new(big.Int).SetBytes(buf)
}

// Sign signs the order digest with privateKey and returns a 65-byte
// r||s||v signature, adjusting v to the Ethereum-standard 27/28 convention.
func Sign(o Order, chainID int64, negRisk bool, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	digest := Digest(o, chainID, negRisk)

	sig, err := crypto.Sign(digest[:], privateKey)
	if err != nil {
		return nil, fmt.Errorf("eip712: sign digest: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("eip712: unexpected signature length %d", len(sig))
	}
	// go-ethereum's crypto.Sign returns v in {0,1}; the exchange expects the
	// Ethereum-standard {27,28}.
	sig[64] += 27
	return sig, nil
}
