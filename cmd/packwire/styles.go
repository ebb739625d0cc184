// SPDX-License-Identifier: MPL-2.0

package cmd

import "github.com/charmbracelet/lipgloss"

// Color palette shared by all CLI output, tuned for dark terminals.
const (
	// ColorPrimary is purple - titles and headers.
	ColorPrimary = lipgloss.Color("#7C3AED")
	// ColorMuted is gray - secondary text.
	ColorMuted = lipgloss.Color("#6B7280")
	// ColorSuccess is green - completed steps.
	ColorSuccess = lipgloss.Color("#10B981")
	// ColorError is red - failures.
	ColorError = lipgloss.Color("#EF4444")
	// ColorWarning is amber - skipped or degraded steps.
	ColorWarning = lipgloss.Color("#F59E0B")
	// ColorHighlight is blue - names, ids and commands.
	ColorHighlight = lipgloss.Color("#3B82F6")
	// ColorVerbose is light gray - verbose stage output.
	ColorVerbose = lipgloss.Color("#9CA3AF")
)

var (
	// TitleStyle is for primary headers and section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// SubtitleStyle is for secondary headers and descriptions.
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// SuccessStyle is for success messages and positive indicators.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// ErrorStyle is for error messages and failure indicators.
	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError)

	// WarningStyle is for warning messages and caution indicators.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// CmdStyle is for pack names, container ids and commands.
	CmdStyle = lipgloss.NewStyle().
			Foreground(ColorHighlight)

	// VerboseStyle is for verbose stage output.
	VerboseStyle = lipgloss.NewStyle().
			Foreground(ColorVerbose)
)
