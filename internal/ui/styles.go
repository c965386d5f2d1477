// Package ui renders CLI output with lipgloss styles.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// DisableColor forces plain ASCII output for every style.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
