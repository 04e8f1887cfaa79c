package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuiltInCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		caps      Capabilities
		verbatim  bool
		preserves bool
	}{
		{"franz", FranzCapabilities, true, true},
		{"kafka", KafkaCapabilities, false, true},
		{"channel", ChannelCapabilities, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.caps.Name)
			assert.Equal(t, tt.verbatim, tt.caps.ForwardsVerbatim())
			assert.Equal(t, tt.preserves, tt.caps.PreservesLocality())
		})
	}
}
