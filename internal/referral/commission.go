package referral

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Commission is floor(amount * percent / 100) in whole currency units.
func Commission(amount int64, percent float64) int64 {
	if amount <= 0 || percent <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(percent)).
		Div(hundred).
		Floor().
		IntPart()
}

// NewCode returns an 8 character upper-case hex referral code.
func NewCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
