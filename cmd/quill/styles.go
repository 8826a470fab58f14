package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/zoobzio/quill"
)

var (
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleHeading = lipgloss.NewStyle().Bold(true).Underline(true)

	personaStyles = map[quill.Persona]lipgloss.Style{
		quill.PersonaStrategist:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		quill.PersonaImplementer: lipgloss.NewStyle().Foreground(lipgloss.Color("78")).Bold(true),
	}
)

// printTurn renders one debate turn on stderr.
func printTurn(ev quill.TurnEvent) {
	label := personaStyles[ev.Persona].Render(fmt.Sprintf("%s (round %d)", ev.Persona, ev.Round))
	action := styleMuted.Render(string(ev.Action))
	fmt.Fprintf(os.Stderr, "%s %s\n", label, action)
	if r := strings.TrimSpace(ev.Reasoning); r != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", r)
	}
}
