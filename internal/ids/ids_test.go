package ids_test

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/omniorder/omniorder/internal/ids"
)

func TestNewOrderRef(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ref := ids.NewOrderRef(at)
	assert.Regexp(t, regexp.MustCompile(`^ORD-20260314-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{8}$`), ref)
}

func TestIDFormats(t *testing.T) {
	tests := []struct {
		name     string
		generate func() string
		pattern  string
	}{
		{"session_key", ids.NewSessionKey, `^SESS-[A-Z2-9]{12}$`},
		{"line_id", ids.NewLineID, `^L-[A-Z2-9]{8}$`},
		{"issue_id", ids.NewIssueID, `^ISS-[A-Z2-9]{8}$`},
		{"action_id", ids.NewActionID, `^ACT-[A-Z2-9]{8}$`},
		{"idempotency_key", ids.NewIdempotencyKey, `^IDEM-[A-Z2-9]{16}$`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.generate()
			assert.Regexp(t, regexp.MustCompile(tt.pattern), id)
			// Ambiguous characters never appear in the random part.
			suffix := id[strings.LastIndexByte(id, '-')+1:]
			assert.NotRegexp(t, regexp.MustCompile(`[01OIl]`), suffix)
		})
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := ids.NewLineID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
