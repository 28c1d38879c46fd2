package amount

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a currency-tagged fixed-point value. Value carries whole
// currency units, Fraction carries 1/FractionBase units. All arithmetic
// is integer-only to avoid floating-point precision issues.
//
// Examples:
//   - "EUR:10.50" = Amount{Currency: "EUR", Value: 10, Fraction: 50000000}
//   - "KUDOS:0.1" = Amount{Currency: "KUDOS", Value: 0, Fraction: 10000000}
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32
}

const (
	// FractionBase is the number of fractional units per whole unit.
	FractionBase = 100000000

	// MaxValue is the largest representable whole-unit value. Bounded so
	// that the total amount in fractional units fits a signed 64-bit
	// integer with room for intermediate sums.
	MaxValue = uint64(1) << 52

	// maxFractionDigits is the number of decimal digits in FractionBase-1.
	maxFractionDigits = 8

	// maxCurrencyLen bounds the currency code length on the wire.
	maxCurrencyLen = 11
)

var (
	// ErrCurrencyMismatch occurs when combining amounts in different currencies.
	ErrCurrencyMismatch = errors.New("amount: currency mismatch")

	// ErrOverflow occurs when an operation would exceed MaxValue.
	ErrOverflow = errors.New("amount: overflow")

	// ErrNegative occurs when a subtraction would go below zero.
	ErrNegative = errors.New("amount: negative result")

	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("amount: invalid format")

	// ErrDivisionByZero occurs when dividing by zero.
	ErrDivisionByZero = errors.New("amount: division by zero")
)

// Zero returns a zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// New creates an amount from whole and fractional units, normalizing
// any fraction overflow into the value.
func New(currency string, value uint64, fraction uint32) (Amount, error) {
	a := Amount{Currency: currency, Value: value, Fraction: fraction}
	return a.normalize()
}

func (a Amount) normalize() (Amount, error) {
	a.Value += uint64(a.Fraction / FractionBase)
	a.Fraction %= FractionBase
	if a.Value > MaxValue {
		return Amount{}, ErrOverflow
	}
	return a, nil
}

// Parse parses the "CUR:X.Y" string form.
//
// Examples:
//   - Parse("EUR:10.50")
//   - Parse("KUDOS:4")
func Parse(s string) (Amount, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return Amount{}, fmt.Errorf("%w: missing currency separator in %q", ErrInvalidFormat, s)
	}
	currency := s[:colon]
	if len(currency) > maxCurrencyLen {
		return Amount{}, fmt.Errorf("%w: currency too long in %q", ErrInvalidFormat, s)
	}
	for i := 0; i < len(currency); i++ {
		c := currency[i]
		if c < 'A' || c > 'Z' {
			return Amount{}, fmt.Errorf("%w: bad currency in %q", ErrInvalidFormat, s)
		}
	}

	num := s[colon+1:]
	intPart := num
	fracPart := ""
	if dot := strings.IndexByte(num, '.'); dot >= 0 {
		intPart = num[:dot]
		fracPart = num[dot+1:]
		if fracPart == "" {
			return Amount{}, fmt.Errorf("%w: trailing decimal point in %q", ErrInvalidFormat, s)
		}
	}
	if intPart == "" {
		return Amount{}, fmt.Errorf("%w: missing integer part in %q", ErrInvalidFormat, s)
	}

	value, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if value > MaxValue {
		return Amount{}, ErrOverflow
	}

	var fraction uint32
	if fracPart != "" {
		if len(fracPart) > maxFractionDigits {
			return Amount{}, fmt.Errorf("%w: too many fractional digits in %q", ErrInvalidFormat, s)
		}
		parsed, err := strconv.ParseUint(fracPart, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		for i := len(fracPart); i < maxFractionDigits; i++ {
			parsed *= 10
		}
		fraction = uint32(parsed)
	}

	return Amount{Currency: currency, Value: value, Fraction: fraction}, nil
}

// MustParse parses s or panics. For tests and static configuration only.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the canonical "CUR:X.Y" form with trailing zeros trimmed.
func (a Amount) String() string {
	var b strings.Builder
	b.WriteString(a.Currency)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(a.Value, 10))
	if a.Fraction != 0 {
		frac := strconv.FormatUint(uint64(a.Fraction), 10)
		for len(frac) < maxFractionDigits {
			frac = "0" + frac
		}
		frac = strings.TrimRight(frac, "0")
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// SameCurrency reports whether both amounts carry the same currency tag.
func (a Amount) SameCurrency(other Amount) bool {
	return a.Currency == other.Currency
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// Add returns a+other. Currencies must match; the result must not
// exceed MaxValue.
func (a Amount) Add(other Amount) (Amount, error) {
	if !a.SameCurrency(other) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, other.Currency)
	}
	value := a.Value + other.Value
	if value < a.Value {
		return Amount{}, ErrOverflow
	}
	sum := Amount{Currency: a.Currency, Value: value, Fraction: a.Fraction + other.Fraction}
	return sum.normalize()
}

// Sub returns a-other. Currencies must match; a negative result yields
// ErrNegative and is never clamped.
func (a Amount) Sub(other Amount) (Amount, error) {
	if !a.SameCurrency(other) {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, other.Currency)
	}
	value := a.Value
	fraction := a.Fraction
	if fraction < other.Fraction {
		if value == 0 {
			return Amount{}, ErrNegative
		}
		value--
		fraction += FractionBase
	}
	if value < other.Value {
		return Amount{}, ErrNegative
	}
	return Amount{Currency: a.Currency, Value: value - other.Value, Fraction: fraction - other.Fraction}, nil
}

// SubOrZero returns a-other, or zero when the result would be negative.
// Used for the customer wire-fee contribution where an exchange fee below
// the contract threshold simply costs the customer nothing.
func (a Amount) SubOrZero(other Amount) (Amount, error) {
	diff, err := a.Sub(other)
	if errors.Is(err, ErrNegative) {
		return Zero(a.Currency), nil
	}
	return diff, err
}

// Cmp returns -1, 0 or +1. Currencies must match.
func (a Amount) Cmp(other Amount) (int, error) {
	if !a.SameCurrency(other) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, other.Currency)
	}
	switch {
	case a.Value < other.Value:
		return -1, nil
	case a.Value > other.Value:
		return 1, nil
	case a.Fraction < other.Fraction:
		return -1, nil
	case a.Fraction > other.Fraction:
		return 1, nil
	}
	return 0, nil
}

// DivideBy divides the amount by an integer divisor, truncating any
// remainder below one fractional unit.
func (a Amount) DivideBy(divisor uint32) (Amount, error) {
	if divisor == 0 {
		return Amount{}, ErrDivisionByZero
	}
	if divisor == 1 {
		return a, nil
	}
	d := uint64(divisor)
	value := a.Value / d
	rest := a.Value % d
	// rest*FractionBase fits: rest < 2^32 and FractionBase < 2^27.
	fraction := (rest*FractionBase + uint64(a.Fraction)) / d
	return Amount{Currency: a.Currency, Value: value, Fraction: uint32(fraction)}, nil
}

// NBO returns the network-byte-order encoding used inside signed
// structures: value u64 BE, fraction u32 BE, currency zero-padded to 12
// bytes.
func (a Amount) NBO() []byte {
	buf := make([]byte, 8+4+12)
	binary.BigEndian.PutUint64(buf[0:8], a.Value)
	binary.BigEndian.PutUint32(buf[8:12], a.Fraction)
	copy(buf[12:], a.Currency)
	return buf
}

// MarshalJSON renders the amount as its "CUR:X.Y" JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON parses the "CUR:X.Y" JSON string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: amount must be a string", ErrInvalidFormat)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
