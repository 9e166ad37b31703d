// Package status renders pool state for the terminal.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/j-veylop/antigravity-account-pool/internal/models"
	"github.com/j-veylop/antigravity-account-pool/internal/services/accounts"
	"github.com/j-veylop/antigravity-account-pool/internal/ui/styles"
)

const (
	colIndex  = 4
	colEmail  = 30
	colStatus = 14
	colBar    = 20
	colPct    = 6
	colReset  = 12
	colPicks  = 6
)

// View describes what an eligibility table is computed for.
type View struct {
	Now       time.Time
	Picks     map[string]int
	Model     string
	Family    string
	Threshold float64
}

// RenderEligibility renders one row per account with its filter outcome and
// remaining quota for the view's model.
func RenderEligibility(rows []accounts.Eligibility, v View) string {
	title := styles.TitleStyle.Render("Account Pool")

	threshold := fmt.Sprintf("%.0f%%", v.Threshold)
	if v.Threshold >= accounts.NoThreshold {
		threshold = "off"
	}
	eligible := 0
	for _, r := range rows {
		if r.Reason == accounts.ReasonEligible {
			eligible++
		}
	}
	subtitle := styles.HelpStyle.Render(fmt.Sprintf("%d/%d eligible · model %s · family %s · threshold %s",
		eligible, len(rows), v.Model, v.Family, threshold))

	if len(rows) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, subtitle, "",
			styles.SubTitleStyle.Render("No accounts configured"))
	}

	lines := []string{header()}
	for _, r := range rows {
		lines = append(lines, renderRow(r, v))
	}

	table := styles.CardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	return lipgloss.JoinVertical(lipgloss.Left, title, subtitle, table)
}

func header() string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		cell(styles.TableHeaderStyle, colIndex, "#"),
		cell(styles.TableHeaderStyle, colEmail, "EMAIL"),
		cell(styles.TableHeaderStyle, colStatus, "STATUS"),
		cell(styles.TableHeaderStyle, colBar+colPct+1, "REMAINING"),
		cell(styles.TableHeaderStyle, colReset, "RESET"),
		cell(styles.TableHeaderStyle, colPicks, "PICKS"),
	)
}

func renderRow(r accounts.Eligibility, v View) string {
	acc := r.Account

	statusStyle := styles.SuccessTextStyle
	switch r.Reason {
	case accounts.ReasonDisabled, accounts.ReasonRemoved:
		statusStyle = styles.DisabledStyle
	case accounts.ReasonRateLimited:
		statusStyle = styles.QuotaRateLimitedStyle
	case accounts.ReasonOverQuota:
		statusStyle = styles.WarningTextStyle
	}

	bar := styles.HelpStyle.Render(strings.Repeat("·", colBar))
	pct := "?"
	reset := "-"
	if q, ok := acc.Quota(v.Model); ok {
		remaining := q.RemainingFraction * 100
		bar = RenderBar(remaining, colBar)
		pct = styles.GetQuotaStyle(remaining, r.Reason == accounts.ReasonRateLimited).
			Render(fmt.Sprintf("%.0f%%", remaining))
		reset = FormatReset(q.ResetTime, v.Now)
	}
	if until, ok := acc.RateLimitResetTimes[v.Family]; ok && r.Reason == accounts.ReasonRateLimited {
		reset = FormatReset(until, v.Now)
	}

	picks := "-"
	if n, ok := v.Picks[acc.Email]; ok {
		picks = fmt.Sprintf("%d", n)
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		cell(styles.TableCellStyle, colIndex, fmt.Sprintf("%d", acc.Index)),
		cell(styles.TableCellStyle, colEmail, truncate(acc.Email, colEmail-1)),
		cell(statusStyle, colStatus, string(r.Reason)),
		lipgloss.NewStyle().Width(colBar+1).Render(bar),
		cell(lipgloss.NewStyle(), colPct, pct),
		cell(styles.HelpStyle, colReset, reset),
		cell(styles.TableCellStyle, colPicks, picks),
	)
}

// RenderSelections renders the audit log, newest first.
func RenderSelections(selections []models.Selection) string {
	title := styles.TitleStyle.Render("Recent Selections")
	if len(selections) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, styles.HelpStyle.Render("No selections recorded"))
	}

	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top,
		cell(styles.TableHeaderStyle, 20, "TIME"),
		cell(styles.TableHeaderStyle, colIndex, "#"),
		cell(styles.TableHeaderStyle, colEmail, "EMAIL"),
		cell(styles.TableHeaderStyle, 28, "MODEL"),
		cell(styles.TableHeaderStyle, 14, "FAMILY"),
		cell(styles.TableHeaderStyle, 8, "CURSOR"),
	)}
	for _, s := range selections {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			cell(styles.HelpStyle, 20, s.Timestamp.Local().Format("2006-01-02 15:04:05")),
			cell(styles.TableCellStyle, colIndex, fmt.Sprintf("%d", s.AccountIndex)),
			cell(styles.TableCellStyle, colEmail, truncate(s.Email, colEmail-1)),
			cell(styles.TableCellStyle, 28, truncate(s.Provider+"/"+s.Model, 27)),
			cell(styles.TableCellStyle, 14, truncate(s.Family, 13)),
			cell(styles.HelpStyle, 8, fmt.Sprintf("%d", s.Cursor)),
		))
	}

	return lipgloss.JoinVertical(lipgloss.Left, title, styles.CardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

// FormatReset renders the time until t, or "-" when t is unknown or past.
func FormatReset(t, now time.Time) string {
	if t.IsZero() || !t.After(now) {
		return "-"
	}
	d := t.Sub(now).Round(time.Minute)
	if d < time.Minute {
		return "<1m"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h >= 24:
		return fmt.Sprintf("%dd%dh", h/24, h%24)
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	default:
		return fmt.Sprintf("%dm", m)
	}
}

func cell(style lipgloss.Style, width int, s string) string {
	return style.Width(width).Render(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
