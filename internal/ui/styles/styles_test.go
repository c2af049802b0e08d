package styles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindColor(t *testing.T) {
	tests := []struct {
		kind string
		want any
	}{
		{"success", StatusSuccessColor},
		{"warning", StatusWarningColor},
		{"error", StatusErrorColor},
		{"info", ToastBorderInfoColor},
		{"", ToastBorderInfoColor},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			require.Equal(t, tt.want, KindColor(tt.kind))
		})
	}
}
