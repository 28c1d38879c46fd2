package logger

import "testing"

func TestTruncateKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "empty", key: "", want: ""},
		{name: "short key kept verbatim", key: "ABCDEF", want: "ABCDEF"},
		{name: "boundary length kept verbatim", key: "ABCDEFGHIJKL", want: "ABCDEFGHIJKL"},
		{name: "long key truncated", key: "M4GH1JKLMNOPQRSTUVWXYZ012345", want: "M4GH1JKL...2345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateKey(tt.key); got != tt.want {
				t.Errorf("TruncateKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
