package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"alice@example.com":        "Alice",
		"alice.smith@example.com":  "Alice Smith",
		"bob_van-dyke@example.com": "Bob Van Dyke",
		"carol+tasks@example.com":  "Carol",
		"@example.com":             "User",
		"...@example.com":          "User",
		"no-at-sign":               "No At Sign",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, DisplayName(in))
		})
	}
}
