package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/config"
)

func TestParseMaxBodySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"2048", 2048, false},
		{"16KiB", 16 << 10, false},
		{"1MB", 1000 * 1000, false},
		{"0", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMaxBodySize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:8081",
		Endpoints: []config.WebhookEndpoint{{
			Path: "/cue/gala", ProjectID: 4, Secret: "s", Commands: []string{"start"}, MaxBodySize: "4KiB",
		}},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, int64(4096), cfg.Endpoints[0].MaxBodySize)
	assert.Equal(t, int64(4), cfg.Endpoints[0].ProjectID)

	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x", MaxBodySize: "4KiB"}}})
	assert.ErrorContains(t, err, "no secret")

	_, err = FromGlobalConfig(nil)
	assert.Error(t, err)
}
