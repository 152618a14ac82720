package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	appNameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	sentMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("114"))

	recvMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("69"))

	historyMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))

	activeInputStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("99")).
				Bold(true)

	connectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("114"))

	disconnectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196"))

	sidebarTitleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("246")).
				Bold(true)

	sidebarSectionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("250")).
				Bold(true)

	sidebarOnlineStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("114"))

	sidebarOfflineStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	sidebarBoxStyle = lipgloss.NewStyle().
			BorderLeft(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("238")).
			PaddingLeft(1)

	unreadBadgeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("203")).
				Bold(true)

	reactionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("179"))

	statusIdleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	statusDndStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	speakingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true)

	voiceMutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	qualityExcellentStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("114"))

	qualityGoodStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("149"))

	qualityFairStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	qualityPoorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196"))
)

func centerText(text string, width int) string {
	if width <= 0 {
		return text
	}
	textWidth := lipgloss.Width(text)
	if textWidth >= width {
		return text
	}
	pad := (width - textWidth) / 2
	return strings.Repeat(" ", pad) + text
}

func separator(width int) string {
	w := width - 4
	if w < 1 {
		w = 1
	}
	return separatorStyle.Render("  " + strings.Repeat("─", w))
}

func qualityStyle(quality string) lipgloss.Style {
	switch quality {
	case "excellent":
		return qualityExcellentStyle
	case "good":
		return qualityGoodStyle
	case "fair":
		return qualityFairStyle
	case "poor":
		return qualityPoorStyle
	}
	return labelStyle
}
