package icmpmux

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg, err := Config{}.Validate()
	require.NoError(t, err)
	require.Equal(t, 56+timestampLen, cfg.Size)
	require.Equal(t, 64, cfg.TTL)
	require.Equal(t, 3*time.Second, cfg.Timeout)
	require.Equal(t, PolicyRAW, cfg.Policy)
	require.NotNil(t, cfg.Clock)
}

func TestConfig_Validate_RejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"size too small", Config{Size: 4}},
		{"size too large", Config{Size: 1 << 20}},
		{"ttl negative", Config{TTL: -1}},
		{"ttl too large", Config{TTL: 256}},
		{"tos negative", Config{ToS: -1}},
		{"tos too large", Config{ToS: 256}},
		{"negative timeout", Config{Timeout: -time.Second}},
		{"negative interval", Config{Interval: -time.Second}},
		{"unknown policy", Config{Policy: SelectionPolicy(99)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.Validate()
			require.Error(t, err)
		})
	}
}

func TestConfig_Validate_RejectsMalformedSrcAddr(t *testing.T) {
	cfg := Config{SrcAddr: net.IP{1, 2}} // neither a valid v4 nor v16-length slice
	_, err := cfg.Validate()
	require.Error(t, err)
}

func TestConfig_Validate_AcceptsValidSrcAddr(t *testing.T) {
	cfg, err := Config{SrcAddr: net.ParseIP("127.0.0.1")}.Validate()
	require.NoError(t, err)
	require.True(t, cfg.SrcAddr.Equal(net.ParseIP("127.0.0.1")))
}
