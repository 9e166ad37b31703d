// Package styles defines the visual styling for the application.
package styles

import "github.com/charmbracelet/lipgloss"

// Color definitions for the Antigravity theme.
var (
	Primary   = lipgloss.Color("205") // Pink
	Secondary = lipgloss.Color("63")  // Purple
	Subtle    = lipgloss.Color("240") // Gray

	Success = lipgloss.Color("42")  // Green
	Error   = lipgloss.Color("196") // Red
	Warning = lipgloss.Color("220") // Yellow
	Info    = lipgloss.Color("39")  // Blue

	TextPrimary   = lipgloss.Color("252")
	TextSecondary = lipgloss.Color("245")
	TextMuted     = lipgloss.Color("240")
)

// Gradient endpoints for quota bars, from exhausted to full.
const (
	GradientLow  = "#ff6b6b"
	GradientHigh = "#51cf66"
)

// TitleStyle is used for main headings.
var TitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Primary)

// SubTitleStyle is used for section headings.
var SubTitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Secondary)

// CardStyle creates a bordered card container.
var CardStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(Subtle).
	Padding(0, 1)

// HelpStyle is the base style for secondary text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(TextMuted)

// TableHeaderStyle styles table headers.
var TableHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(Primary)

// TableCellStyle styles table cells.
var TableCellStyle = lipgloss.NewStyle().
	Foreground(TextPrimary)

// QuotaHighStyle for high remaining quota (>50%).
var QuotaHighStyle = lipgloss.NewStyle().
	Foreground(Success)

// QuotaMediumStyle for medium remaining quota (20-50%).
var QuotaMediumStyle = lipgloss.NewStyle().
	Foreground(Warning)

// QuotaLowStyle for low remaining quota (<20%).
var QuotaLowStyle = lipgloss.NewStyle().
	Foreground(Error)

// QuotaRateLimitedStyle for rate-limited accounts.
var QuotaRateLimitedStyle = lipgloss.NewStyle().
	Foreground(Error).
	Bold(true).
	Italic(true)

// DisabledStyle for accounts switched off in storage.
var DisabledStyle = lipgloss.NewStyle().
	Foreground(TextMuted).
	Strikethrough(true)

var ErrorTextStyle = lipgloss.NewStyle().
	Foreground(Error)

var SuccessTextStyle = lipgloss.NewStyle().
	Foreground(Success)

var WarningTextStyle = lipgloss.NewStyle().
	Foreground(Warning)

// GetQuotaStyle returns the appropriate style based on remaining quota percentage.
func GetQuotaStyle(percent float64, isRateLimited bool) lipgloss.Style {
	if isRateLimited {
		return QuotaRateLimitedStyle
	}
	switch {
	case percent > 50:
		return QuotaHighStyle
	case percent > 20:
		return QuotaMediumStyle
	default:
		return QuotaLowStyle
	}
}
