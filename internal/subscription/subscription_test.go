package subscription

import "testing"

func TestValidateChannel(t *testing.T) {
	cases := []struct {
		name    string
		channel string
		wantErr bool
	}{
		{"wildcard always valid", "*", false},
		{"simple name", "orders", false},
		{"dots and dashes and underscores", "orders.us-east_1", false},
		{"max length 100", stringOfLen(100), false},
		{"too long", stringOfLen(101), true},
		{"empty", "", true},
		{"space not allowed", "orders us", true},
		{"slash not allowed", "orders/east", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateChannel(tc.channel)
			if tc.wantErr && err == nil {
				t.Errorf("ValidateChannel(%q) = nil, want error", tc.channel)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ValidateChannel(%q) = %v, want nil", tc.channel, err)
			}
		})
	}
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
