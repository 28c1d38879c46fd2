package amount

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Amount
		wantErr  error
	}{
		{
			name:     "whole units only",
			input:    "EUR:10",
			expected: Amount{Currency: "EUR", Value: 10},
		},
		{
			name:     "two fractional digits",
			input:    "EUR:10.50",
			expected: Amount{Currency: "EUR", Value: 10, Fraction: 50000000},
		},
		{
			name:     "single fractional digit",
			input:    "KUDOS:0.1",
			expected: Amount{Currency: "KUDOS", Value: 0, Fraction: 10000000},
		},
		{
			name:     "max fractional digits",
			input:    "EUR:0.00000001",
			expected: Amount{Currency: "EUR", Value: 0, Fraction: 1},
		},
		{
			name:     "zero",
			input:    "CHF:0",
			expected: Amount{Currency: "CHF"},
		},
		{
			name:    "missing currency",
			input:   ":10",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "missing separator",
			input:   "EUR10",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "lowercase currency",
			input:   "eur:10",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "currency too long",
			input:   "ABCDEFGHIJKL:1",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "trailing decimal point",
			input:   "EUR:10.",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "missing integer part",
			input:   "EUR:.5",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "too many fractional digits",
			input:   "EUR:0.000000001",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "negative value",
			input:   "EUR:-1",
			wantErr: ErrInvalidFormat,
		},
		{
			name:    "value beyond maximum",
			input:   "EUR:9007199254740993",
			wantErr: ErrOverflow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		amount   Amount
		expected string
	}{
		{Amount{Currency: "EUR", Value: 10}, "EUR:10"},
		{Amount{Currency: "EUR", Value: 10, Fraction: 50000000}, "EUR:10.5"},
		{Amount{Currency: "EUR", Value: 0, Fraction: 1}, "EUR:0.00000001"},
		{Amount{Currency: "KUDOS", Value: 0, Fraction: 10000000}, "KUDOS:0.1"},
		{Amount{Currency: "CHF"}, "CHF:0"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.amount.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	inputs := []string{"EUR:10", "EUR:10.5", "EUR:0.00000001", "KUDOS:123456.789", "CHF:0"}
	for _, s := range inputs {
		t.Run(s, func(t *testing.T) {
			a := MustParse(s)
			back, err := Parse(a.String())
			if err != nil {
				t.Fatalf("re-parse failed: %v", err)
			}
			if back != a {
				t.Errorf("round trip changed amount: %+v vs %+v", back, a)
			}
		})
	}
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected string
		wantErr  error
	}{
		{name: "simple", a: "EUR:1.50", b: "EUR:2.75", expected: "EUR:4.25"},
		{name: "fraction carry", a: "EUR:0.60000000", b: "EUR:0.60000000", expected: "EUR:1.2"},
		{name: "zero identity", a: "EUR:5", b: "EUR:0", expected: "EUR:5"},
		{name: "currency mismatch", a: "EUR:1", b: "USD:1", wantErr: ErrCurrencyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MustParse(tt.a).Add(MustParse(tt.b))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Add error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Add unexpected error: %v", err)
			}
			if got.String() != tt.expected {
				t.Errorf("Add = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestAddOverflow(t *testing.T) {
	big := Amount{Currency: "EUR", Value: MaxValue}
	if _, err := big.Add(MustParse("EUR:1")); !errors.Is(err, ErrOverflow) {
		t.Errorf("Add beyond MaxValue error = %v, want ErrOverflow", err)
	}
}

func TestSub(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected string
		wantErr  error
	}{
		{name: "simple", a: "EUR:4.25", b: "EUR:2.75", expected: "EUR:1.5"},
		{name: "fraction borrow", a: "EUR:2.25", b: "EUR:0.50", expected: "EUR:1.75"},
		{name: "exact zero", a: "EUR:3", b: "EUR:3", expected: "EUR:0"},
		{name: "negative result", a: "EUR:1", b: "EUR:2", wantErr: ErrNegative},
		{name: "negative by fraction", a: "EUR:0.1", b: "EUR:0.2", wantErr: ErrNegative},
		{name: "currency mismatch", a: "EUR:1", b: "USD:1", wantErr: ErrCurrencyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MustParse(tt.a).Sub(MustParse(tt.b))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Sub error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Sub unexpected error: %v", err)
			}
			if got.String() != tt.expected {
				t.Errorf("Sub = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestSubOrZero(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected string
	}{
		{name: "positive difference", a: "EUR:2.50", b: "EUR:0.50", expected: "EUR:2"},
		{name: "clamps to zero", a: "EUR:0.50", b: "EUR:2.50", expected: "EUR:0"},
		{name: "exact zero", a: "EUR:1", b: "EUR:1", expected: "EUR:0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MustParse(tt.a).SubOrZero(MustParse(tt.b))
			if err != nil {
				t.Fatalf("SubOrZero unexpected error: %v", err)
			}
			if got.String() != tt.expected {
				t.Errorf("SubOrZero = %s, want %s", got, tt.expected)
			}
		})
	}

	// Currency mismatch is still an error, never a clamp.
	if _, err := MustParse("EUR:1").SubOrZero(MustParse("USD:2")); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("SubOrZero across currencies error = %v, want ErrCurrencyMismatch", err)
	}
}

func TestCmp(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"EUR:1", "EUR:2", -1},
		{"EUR:2", "EUR:1", 1},
		{"EUR:1.5", "EUR:1.5", 0},
		{"EUR:1.4", "EUR:1.5", -1},
		{"EUR:1.6", "EUR:1.5", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			got, err := MustParse(tt.a).Cmp(MustParse(tt.b))
			if err != nil {
				t.Fatalf("Cmp unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Cmp = %d, want %d", got, tt.expected)
			}
		})
	}

	if _, err := MustParse("EUR:1").Cmp(MustParse("USD:1")); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Cmp across currencies error = %v, want ErrCurrencyMismatch", err)
	}
}

func TestDivideBy(t *testing.T) {
	tests := []struct {
		name     string
		a        string
		divisor  uint32
		expected string
		wantErr  error
	}{
		{name: "even split", a: "EUR:2", divisor: 4, expected: "EUR:0.5"},
		{name: "divisor one", a: "EUR:3.33", divisor: 1, expected: "EUR:3.33"},
		{name: "carries value remainder into fraction", a: "EUR:5", divisor: 2, expected: "EUR:2.5"},
		{name: "truncates below one fractional unit", a: "EUR:0.00000001", divisor: 2, expected: "EUR:0"},
		{name: "division by zero", a: "EUR:1", divisor: 0, wantErr: ErrDivisionByZero},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MustParse(tt.a).DivideBy(tt.divisor)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DivideBy error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DivideBy unexpected error: %v", err)
			}
			if got.String() != tt.expected {
				t.Errorf("DivideBy = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestNBO(t *testing.T) {
	a := Amount{Currency: "EUR", Value: 0x0102030405060708, Fraction: 0x0A0B0C0D}
	nbo := a.NBO()
	if len(nbo) != 24 {
		t.Fatalf("NBO length = %d, want 24", len(nbo))
	}
	wantPrefix := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x0A, 0x0B, 0x0C, 0x0D,
		'E', 'U', 'R',
	}
	if !bytes.Equal(nbo[:15], wantPrefix) {
		t.Errorf("NBO prefix = %x, want %x", nbo[:15], wantPrefix)
	}
	for i := 15; i < 24; i++ {
		if nbo[i] != 0 {
			t.Errorf("NBO byte %d = %x, want zero padding", i, nbo[i])
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("EUR:10.5")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"EUR:10.5"` {
		t.Errorf("marshal = %s, want \"EUR:10.5\"", data)
	}

	var back Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != a {
		t.Errorf("round trip changed amount: %+v vs %+v", back, a)
	}

	var bad Amount
	if err := json.Unmarshal([]byte(`42`), &bad); err == nil {
		t.Error("expected error unmarshaling a non-string amount")
	}
}
