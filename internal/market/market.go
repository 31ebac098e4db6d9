package market

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"marginwatch/internal/fpmath"
)

// ID identifies a lending market, derived deterministically from its
// configuration tuple so two registries with the same config agree on IDs.
type ID string

// Config describes one supported lending market. Immutable once registered.
type Config struct {
	CollateralToken string
	LoanToken       string
	OracleRef       string
	// LLTV is the liquidation loan-to-value ratio enforced by the lending
	// market itself, FractionScale-denominated. Informational here; the
	// engine uses CollateralFactor, which must be the more conservative.
	LLTV int64
	// CollateralFactor is the fraction of oracle collateral value counted
	// toward health, FractionScale-denominated, <= 1.0.
	CollateralFactor   int64
	CollateralDecimals int
	LoanDecimals       int
}

// DeriveID computes sha256 over the canonical config tuple.
func (c Config) DeriveID() ID {
	h := sha256.New()
	writeString := func(s string) {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeInt64 := func(v int64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		h.Write(b[:])
	}
	writeString(c.CollateralToken)
	writeString(c.LoanToken)
	writeString(c.OracleRef)
	writeInt64(c.LLTV)
	writeInt64(c.CollateralFactor)
	writeInt64(int64(c.CollateralDecimals))
	writeInt64(int64(c.LoanDecimals))
	return ID(hex.EncodeToString(h.Sum(nil)[:16]))
}

// CollateralUnit returns 10^CollateralDecimals, the divisor that normalizes
// a raw collateral amount multiplied by the oracle price into loan-token
// units.
func (c Config) CollateralUnit() int64 {
	return fpmath.Pow10(c.CollateralDecimals)
}

// Validate checks the config invariants at registration time.
func (c Config) Validate() error {
	if c.CollateralToken == "" {
		return ErrZeroToken
	}
	if c.LoanToken == "" {
		return ErrZeroToken
	}
	if c.CollateralFactor <= 0 || c.CollateralFactor > fpmath.FractionScale {
		return ErrInvalidCollateralFactor
	}
	if c.LLTV <= 0 || c.LLTV > fpmath.FractionScale {
		return ErrInvalidLLTV
	}
	if c.CollateralDecimals < 0 || c.CollateralDecimals > 18 {
		return ErrInvalidDecimals
	}
	if c.LoanDecimals < 0 || c.LoanDecimals > 18 {
		return ErrInvalidDecimals
	}
	return nil
}

// Market is a registered config with its derived ID.
type Market struct {
	ID     ID
	Config Config
}
