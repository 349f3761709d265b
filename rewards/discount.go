/*
discount.go - Discount policy for milestone coupons

PURPOSE:
  Mints the Coupon handed out when a user claims a 100-point milestone:
  a weighted-random discount, a short human-readable code and an expiry.

WEIGHTED DRAW:
  Sum the weights, draw r uniformly in [0, total), walk the table and pick
  the first entry whose cumulative weight exceeds r. Low discounts are
  common, high ones rare:

    10% ████████████████████████████████ 30
    15% ████████████████████ 20
    ...
    55% ██ 2

TESTABILITY:
  The random source and the code entropy are injected. With a fixed source
  PickDiscount is a pure function.
*/
package rewards

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DISCOUNT TABLE
// =============================================================================

// DiscountWeight is one row of the weighted discount table.
type DiscountWeight struct {
	Percent int
	Weight  int
}

// DefaultDiscountTable is the production weighting.
var DefaultDiscountTable = []DiscountWeight{
	{Percent: 10, Weight: 30},
	{Percent: 15, Weight: 20},
	{Percent: 20, Weight: 15},
	{Percent: 25, Weight: 10},
	{Percent: 30, Weight: 8},
	{Percent: 35, Weight: 6},
	{Percent: 40, Weight: 4},
	{Percent: 45, Weight: 3},
	{Percent: 50, Weight: 2},
	{Percent: 55, Weight: 2},
}

// fallbackPercent is returned when the table has no positive weight.
const fallbackPercent = 10

// Source draws uniform integers in [0, n). *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// GlobalSource is safe for concurrent use.
var GlobalSource Source = globalSource{}

// PickDiscount draws a percent from table using src.
func PickDiscount(table []DiscountWeight, src Source) int {
	total := 0
	for _, it := range table {
		if it.Weight > 0 {
			total += it.Weight
		}
	}
	if total == 0 {
		return fallbackPercent
	}

	r := src.IntN(total)
	cumulative := 0
	for _, it := range table {
		if it.Weight <= 0 {
			continue
		}
		cumulative += it.Weight
		if r < cumulative {
			return it.Percent
		}
	}
	return fallbackPercent
}

// =============================================================================
// CODE & EXPIRY
// =============================================================================

const codeLength = 8

// codeSpace is 36^codeLength.
var codeSpace = func() uint64 {
	n := uint64(1)
	for i := 0; i < codeLength; i++ {
		n *= 36
	}
	return n
}()

// GenerateCode returns CodePrefix followed by 8 upper-case base-36
// characters drawn from a random UUID read from entropy.
func GenerateCode(entropy io.Reader) (string, error) {
	id, err := uuid.NewRandomFromReader(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate coupon code: %w", err)
	}
	v := binary.BigEndian.Uint64(id[:8]) % codeSpace
	body := strings.ToUpper(strconv.FormatUint(v, 36))
	if pad := codeLength - len(body); pad > 0 {
		body = strings.Repeat("0", pad) + body
	}
	return CodePrefix + body, nil
}

// ComputeExpiry adds validityDays calendar days to issuedAt.
func ComputeExpiry(issuedAt time.Time, validityDays int) time.Time {
	return issuedAt.AddDate(0, 0, validityDays)
}

// =============================================================================
// POLICY
// =============================================================================

// DiscountPolicy mints coupons.
type DiscountPolicy struct {
	Table        []DiscountWeight
	ValidityDays int
	Rand         Source
	Entropy      io.Reader // nil uses crypto/rand via uuid
}

// NewDiscountPolicy returns the production policy.
func NewDiscountPolicy(validityDays int) *DiscountPolicy {
	if validityDays <= 0 {
		validityDays = DefaultValidityDays
	}
	return &DiscountPolicy{
		Table:        DefaultDiscountTable,
		ValidityDays: validityDays,
		Rand:         GlobalSource,
	}
}

// NewCoupon mints the coupon for milestone at now. Every call yields a
// fresh code, so a retried transaction never reuses a coupon.
func (p *DiscountPolicy) NewCoupon(milestone int, now time.Time) (Coupon, error) {
	src := p.Rand
	if src == nil {
		src = GlobalSource
	}
	code, err := p.code()
	if err != nil {
		return Coupon{}, err
	}

	days := p.ValidityDays
	if days <= 0 {
		days = DefaultValidityDays
	}
	issuedAt := now.UTC()
	return Coupon{
		Code:            code,
		DiscountPercent: PickDiscount(p.Table, src),
		IssuedAt:        issuedAt,
		ExpiresAt:       ComputeExpiry(issuedAt, days),
		MilestoneIndex:  milestone,
	}, nil
}

func (p *DiscountPolicy) code() (string, error) {
	if p.Entropy != nil {
		return GenerateCode(p.Entropy)
	}
	return GenerateCode(crand.Reader)
}
