// Package styles holds the shared color palette for the panel UI.
package styles

import "github.com/charmbracelet/lipgloss"

// Text colors.
var (
	TextPrimaryColor = lipgloss.AdaptiveColor{Light: "#1F2328", Dark: "#E6EDF3"}
	TextMutedColor   = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#7D8590"}
)

// Status colors.
var (
	StatusSuccessColor = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	StatusWarningColor = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	StatusErrorColor   = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
)

// Chrome colors.
var (
	OverlayTitleColor    = lipgloss.AdaptiveColor{Light: "#0969DA", Dark: "#58A6FF"}
	OverlayBorderColor   = lipgloss.AdaptiveColor{Light: "#D0D7DE", Dark: "#30363D"}
	ToastBorderInfoColor = lipgloss.AdaptiveColor{Light: "#0969DA", Dark: "#58A6FF"}
	TabActiveColor       = lipgloss.AdaptiveColor{Light: "#8250DF", Dark: "#BC8CFF"}
	SelectionColor       = lipgloss.AdaptiveColor{Light: "#DDF4FF", Dark: "#1F2D3D"}
)

// KindColor maps a notification kind name to its border color.
func KindColor(kind string) lipgloss.TerminalColor {
	switch kind {
	case "success":
		return StatusSuccessColor
	case "warning":
		return StatusWarningColor
	case "error":
		return StatusErrorColor
	default:
		return ToastBorderInfoColor
	}
}
