// Package id defines TypeID-based identity types for every entity in the
// entitlement/metering core. Every entity uses a single ID struct with a
// prefix that identifies the entity type. IDs are K-sortable (UUIDv7-based),
// globally unique, and URL-safe in the format "prefix_suffix".
//
// The same ID type also serves as the system's ULID-equivalent ordered
// record id (spec: "26-character lexicographically sortable ULIDs seeded
// from the event timestamp"): TypeID's suffix is a 26-character
// Crockford-base32 encoding exactly matching ULID's sortable-suffix shape,
// so reconciliation cursors (NewAt) use the same ID type rather than
// introducing a second sortable-id scheme.
package id

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all core entity types.
const (
	PrefixPlan           Prefix = "plan"  // Billing plan
	PrefixFeature        Prefix = "feat"  // Plan feature / FeaturePlanVersion
	PrefixPrice          Prefix = "price" // Pricing configuration
	PrefixSubscription   Prefix = "sub"   // Customer subscription
	PrefixGrant          Prefix = "grnt"  // Grant
	PrefixEntitlement    Prefix = "ent"   // Computed entitlement
	PrefixUsageRecord    Prefix = "urec"  // Usage record (append-only)
	PrefixVerification   Prefix = "vrfy"  // Verification record (append-only)
	PrefixInvoice        Prefix = "inv"   // Invoice
	PrefixLineItem       Prefix = "li"    // Invoice line item
	PrefixCoupon         Prefix = "cpn"   // Discount coupon
	PrefixPayment        Prefix = "pay"   // Payment record
	PrefixIdempotencyKey Prefix = "idem"  // Synthetic id for idempotency bookkeeping
)

// ID is the primary identifier type for all core entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// NewAt generates an ID whose suffix is seeded from t instead of time.Now,
// so that ids generated for a later millisecond always sort after ids
// generated for an earlier one; ids for the same millisecond order by
// their random low bits. This is the
// "ulid(watermark)" construction referenced throughout the reconciler
// (spec.md §4.G): the cursor id for a watermark timestamp is
// id.NewAt(PrefixUsageRecord, watermark).
func NewAt(prefix Prefix, t time.Time) ID {
	suffix, err := suffixAt(t)
	if err != nil {
		panic(fmt.Sprintf("id: generate suffix: %v", err))
	}

	s := string(prefix) + "_" + suffix
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: NewAt produced unparsable id %q: %v", s, err))
	}

	return parsed
}

// Parse parses a TypeID string (e.g., "grnt_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

type (
	PlanID         = ID
	FeatureID      = ID
	PriceID        = ID
	SubscriptionID = ID
	GrantID        = ID
	EntitlementID  = ID
	UsageRecordID  = ID
	VerificationID = ID
	InvoiceID      = ID
	LineItemID     = ID
	CouponID       = ID
	PaymentID      = ID
	AnyID          = ID
)

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

func NewPlanID() ID         { return New(PrefixPlan) }
func NewFeatureID() ID      { return New(PrefixFeature) }
func NewPriceID() ID        { return New(PrefixPrice) }
func NewSubscriptionID() ID { return New(PrefixSubscription) }
func NewGrantID() ID        { return New(PrefixGrant) }
func NewEntitlementID() ID  { return New(PrefixEntitlement) }
func NewUsageRecordID() ID  { return New(PrefixUsageRecord) }
func NewVerificationID() ID { return New(PrefixVerification) }
func NewInvoiceID() ID      { return New(PrefixInvoice) }
func NewLineItemID() ID     { return New(PrefixLineItem) }
func NewCouponID() ID       { return New(PrefixCoupon) }
func NewPaymentID() ID      { return New(PrefixPayment) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// Compare provides lexicographic ordering over the raw id string, which is
// monotonic in time for ids sharing a prefix (both New and NewAt encode a
// time-ordered UUIDv7/ULID-style suffix). Returns -1, 0, or 1.
func (i ID) Compare(other ID) int {
	return strings.Compare(i.String(), other.String())
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed
	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil
		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil
			return nil
		}
		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil
			return nil
		}
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}

// ──────────────────────────────────────────────────
// Sortable-suffix construction
// ──────────────────────────────────────────────────

const crockford = "0123456789abcdefghjkmnpqrstvwxyz"

// suffixAt builds a 26-character Crockford-base32 suffix whose leading 10
// characters encode t's millisecond timestamp (48 bits) and whose
// remaining characters are cryptographically random, matching ULID layout.
// This keeps the "ULID seeded from the event timestamp" property from
// spec.md §6 without introducing a second sortable-id dependency alongside
// the TypeID scheme the rest of the id package already uses.
func suffixAt(t time.Time) (string, error) {
	var data [16]byte // 6 bytes timestamp + 10 bytes randomness = 128 bits, same as a ULID

	ms := uint64(t.UnixMilli())
	for i := 5; i >= 0; i-- {
		data[i] = byte(ms & 0xff)
		ms >>= 8
	}

	if _, err := rand.Read(data[6:]); err != nil {
		return "", err
	}

	return encodeCrockford(data), nil
}

// encodeCrockford encodes 128 bits (16 bytes) into the 26-character
// Crockford-base32 alphabet used by both ULID and TypeID suffixes.
func encodeCrockford(data [16]byte) string {
	var sb strings.Builder
	sb.Grow(26)

	// 128 bits / 5 bits-per-char = 25.6, so the first character only
	// carries 3 bits (the top 3 bits of the 128-bit value).
	sb.WriteByte(crockford[(data[0]&0xE0)>>5])

	// Re-pack the remaining 125 bits, 5 at a time: the low 5 bits of
	// data[0] first, then data[1:].
	buf := uint64(data[0] & 0x1F)
	bits := uint(5)
	bytePos := 0

	for _, b := range data[1:] {
		buf = buf<<8 | uint64(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(crockford[(buf>>bits)&0x1F])
		}
		bytePos++
	}
	if bits > 0 {
		sb.WriteByte(crockford[(buf<<(5-bits))&0x1F])
	}

	out := sb.String()
	if len(out) > 26 {
		out = out[:26]
	}
	for len(out) < 26 {
		out += "0"
	}
	return out
}
