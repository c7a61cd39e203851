package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge/realtime/shared"
)

func TestParseCallAnswer(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		expected  *CallAnswer
		expectErr bool
	}{
		{
			name:     "sdp key",
			body:     `{"sdp":"v=0"}`,
			expected: &CallAnswer{SDPAnswer: "v=0"},
		},
		{
			name:     "sdp_answer key",
			body:     `{"sdp_answer":"v=0"}`,
			expected: &CallAnswer{SDPAnswer: "v=0"},
		},
		{
			name:     "sdpAnswer key without expiry stays without expiry",
			body:     `{"sdpAnswer":"X"}`,
			expected: &CallAnswer{SDPAnswer: "X"},
		},
		{
			name:     "expires_at carried through",
			body:     `{"sdp_answer":"v=0","expires_at":"2026-09-01T10:00:00Z"}`,
			expected: &CallAnswer{SDPAnswer: "v=0", ExpiresAt: "2026-09-01T10:00:00Z"},
		},
		{
			name:     "expiresAt spelling accepted",
			body:     `{"sdp":"v=0","expiresAt":"2026-09-01T10:00:00Z"}`,
			expected: &CallAnswer{SDPAnswer: "v=0", ExpiresAt: "2026-09-01T10:00:00Z"},
		},
		{
			name:      "missing SDP rejected",
			body:      `{"expires_at":"2026-09-01T10:00:00Z"}`,
			expectErr: true,
		},
		{
			name:      "invalid JSON rejected",
			body:      `v=0`,
			expectErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, err := parseCallAnswer([]byte(tt.body))
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, answer)
		})
	}
}

func TestDecodeBoundaryError(t *testing.T) {
	t.Run("Collaborator error passes through unchanged", func(t *testing.T) {
		err := decodeBoundaryError(401, []byte(`{"status":401,"message":"Unauthorized","code":"ERR_UNAUTHORIZED"}`))
		apiErr := shared.AsAPIError(err)
		assert.Equal(t, 401, apiErr.Status)
		assert.Equal(t, "Unauthorized", apiErr.Message)
		assert.Equal(t, "ERR_UNAUTHORIZED", apiErr.Code)
	})
	t.Run("Nested error message accepted", func(t *testing.T) {
		err := decodeBoundaryError(401, []byte(`{"error":{"message":"Unauthorized"}}`))
		apiErr := shared.AsAPIError(err)
		assert.Equal(t, 401, apiErr.Status)
		assert.Equal(t, "Unauthorized", apiErr.Message)
	})
	t.Run("Unparsable body keeps HTTP status text", func(t *testing.T) {
		err := decodeBoundaryError(502, []byte("bad gateway"))
		apiErr := shared.AsAPIError(err)
		assert.Equal(t, 502, apiErr.Status)
		assert.Equal(t, "Bad Gateway", apiErr.Message)
	})
}
