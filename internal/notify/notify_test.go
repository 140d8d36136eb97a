package notify

import "testing"

func TestBuyerChannel(t *testing.T) {
	tests := map[string]string{
		"abc-123":   "buyer-abc-123",
		"user:42":   "buyer-user_3a42",
		"a.b":       "buyer-a_2eb",
		"a b":       "buyer-a_20b",
		"a_b":       "buyer-a_5fb",
		"séance":    "buyer-s_c3_a9ance",
		"SESSION-9": "buyer-SESSION-9",
	}

	for in, want := range tests {
		if got := BuyerChannel(in); got != want {
			t.Fatalf("BuyerChannel(%q) = %q, want %q", in, got, want)
		}
	}

	t.Run("distinct refs get distinct channels", func(t *testing.T) {
		seen := make(map[string]string)
		for _, ref := range []string{"a.b", "a b", "a_b", "a_2eb", "a-b", "ab"} {
			ch := BuyerChannel(ref)
			if prev, ok := seen[ch]; ok {
				t.Fatalf("%q and %q share channel %q", prev, ref, ch)
			}
			seen[ch] = ref
		}
	})
}
