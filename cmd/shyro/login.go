package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type loginMode int

const (
	modeSignIn loginMode = iota
	modeRegister
)

// Field indexes into loginModel.inputs. Which ones are visible depends on
// the mode; navigation and rendering both go through visibleFields.
const (
	fieldServer = iota
	fieldUsername
	fieldPassword
	fieldConfirm
	fieldPassphrase
	fieldCount
)

const (
	minUsernameLen = 2
	maxUsernameLen = 32
	minPasswordLen = 8
)

var fieldLabels = [fieldCount]string{
	fieldServer:     "Server",
	fieldUsername:   "Username",
	fieldPassword:   "Password",
	fieldConfirm:    "Confirm Password",
	fieldPassphrase: "Keystore Passphrase",
}

// serverPicker is the overlay that lets the user choose one of the
// remembered servers instead of typing a URL.
type serverPicker struct {
	urls   []string
	cursor int
}

// handleKey returns the chosen URL when the user confirms, and reports
// whether the picker should stay open.
func (p *serverPicker) handleKey(msg tea.KeyMsg) (string, bool) {
	switch msg.String() {
	case "up", "k":
		if p.cursor > 0 {
			p.cursor--
		}
	case "down", "j":
		if p.cursor < len(p.urls)-1 {
			p.cursor++
		}
	case "enter":
		return p.urls[p.cursor], false
	case "esc":
		return "", false
	}
	return "", true
}

type loginModel struct {
	inputs        [fieldCount]textinput.Model
	focus         int
	mode          loginMode
	recentServers []string
	picker        *serverPicker
	submitting    bool
	loading       bool
	errMsg        string
	width         int
	height        int
}

func newLoginModel(defaultServer string) loginModel {
	var m loginModel
	m.recentServers = recentServerURLs()

	for i := range m.inputs {
		in := textinput.New()
		in.Width = 40
		in.CharLimit = 128
		m.inputs[i] = in
	}
	m.inputs[fieldServer].Placeholder = "https://shyro.ovh"
	m.inputs[fieldServer].CharLimit = 256
	m.inputs[fieldUsername].Placeholder = fmt.Sprintf("username (%d-%d chars)", minUsernameLen, maxUsernameLen)
	m.inputs[fieldUsername].CharLimit = maxUsernameLen
	m.inputs[fieldPassword].Placeholder = fmt.Sprintf("password (min %d chars)", minPasswordLen)
	m.inputs[fieldConfirm].Placeholder = "confirm password"
	m.inputs[fieldPassphrase].Placeholder = "keystore passphrase (optional)"
	for _, i := range []int{fieldPassword, fieldConfirm, fieldPassphrase} {
		m.inputs[i].EchoMode = textinput.EchoPassword
		m.inputs[i].EchoCharacter = '*'
	}

	switch {
	case strings.TrimSpace(defaultServer) != "":
		m.inputs[fieldServer].SetValue(strings.TrimSpace(defaultServer))
	case len(m.recentServers) > 0:
		m.inputs[fieldServer].SetValue(m.recentServers[0])
	}
	m.inputs[fieldServer].Focus()
	return m
}

func (m loginModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m loginModel) registering() bool { return m.mode == modeRegister }

// visibleFields lists the input indexes shown for the current mode, in
// navigation order.
func (m loginModel) visibleFields() []int {
	if m.registering() {
		return []int{fieldServer, fieldUsername, fieldPassword, fieldConfirm, fieldPassphrase}
	}
	return []int{fieldServer, fieldUsername, fieldPassword, fieldPassphrase}
}

func (m loginModel) serverURL() string  { return m.inputs[fieldServer].Value() }
func (m loginModel) username() string   { return m.inputs[fieldUsername].Value() }
func (m loginModel) password() string   { return m.inputs[fieldPassword].Value() }
func (m loginModel) passphrase() string { return m.inputs[fieldPassphrase].Value() }

func (m loginModel) Update(msg tea.Msg) (loginModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case authErrorMsg:
		m.loading = false
		m.errMsg = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		m.errMsg = ""
		if m.picker != nil {
			if url, open := m.picker.handleKey(msg); !open {
				if url != "" {
					m.inputs[fieldServer].SetValue(url)
				}
				m.picker = nil
			}
			return m, nil
		}

		switch msg.String() {
		case "tab", "down", "ctrl+n":
			m.shiftFocus(1)
			return m, nil

		case "shift+tab", "up", "ctrl+p":
			m.shiftFocus(-1)
			return m, nil

		case "ctrl+r":
			if m.registering() {
				m.mode = modeSignIn
			} else {
				m.mode = modeRegister
			}
			m.clampFocus()
			return m, nil

		case "ctrl+s":
			if len(m.recentServers) == 0 {
				m.errMsg = "no recent servers"
				return m, nil
			}
			m.picker = &serverPicker{urls: m.recentServers}
			return m, nil

		case "enter":
			if m.loading {
				return m, nil
			}
			if errMsg := m.validateSubmit(); errMsg != "" {
				m.errMsg = errMsg
				return m, nil
			}
			m.loading = true
			m.submitting = true
			return m, nil
		}
	}

	fields := m.visibleFields()
	if m.focus >= len(fields) {
		m.focus = 0
	}
	idx := fields[m.focus]
	var cmd tea.Cmd
	m.inputs[idx], cmd = m.inputs[idx].Update(msg)
	return m, cmd
}

func (m *loginModel) shiftFocus(dir int) {
	fields := m.visibleFields()
	m.focus = (m.focus + dir + len(fields)) % len(fields)
	m.refocus()
}

func (m *loginModel) clampFocus() {
	if fields := m.visibleFields(); m.focus >= len(fields) {
		m.focus = len(fields) - 1
	}
	m.refocus()
}

func (m *loginModel) refocus() {
	for i := range m.inputs {
		m.inputs[i].Blur()
	}
	fields := m.visibleFields()
	m.inputs[fields[m.focus]].Focus()
}

func (m loginModel) validateSubmit() string {
	if strings.TrimSpace(m.serverURL()) == "" {
		return "server url is required"
	}
	username := strings.TrimSpace(m.username())
	if username == "" || m.password() == "" {
		return "username and password are required"
	}
	if len(username) < minUsernameLen || len(username) > maxUsernameLen {
		return fmt.Sprintf("username must be %d-%d characters", minUsernameLen, maxUsernameLen)
	}
	if m.registering() {
		if len(m.password()) < minPasswordLen {
			return fmt.Sprintf("password must be at least %d characters", minPasswordLen)
		}
		if m.password() != m.inputs[fieldConfirm].Value() {
			return "passwords do not match"
		}
	}
	if pp := m.passphrase(); pp != "" && len(pp) < minPasswordLen {
		return fmt.Sprintf("keystore passphrase must be at least %d characters", minPasswordLen)
	}
	return ""
}

func (m loginModel) View() string {
	var b strings.Builder

	topPad := 0
	if m.height > 15 {
		topPad = (m.height - 15) / 3
	}
	b.WriteString(strings.Repeat("\n", topPad))

	b.WriteString(centerText(appNameStyle.Render("~ shyro"), m.width))
	b.WriteString("\n")
	b.WriteString(centerText(subtitleStyle.Render("chat and voice"), m.width))
	b.WriteString("\n\n")

	mode := "Login"
	if m.registering() {
		mode = "Register"
	}
	b.WriteString(centerText(headerStyle.Render(fmt.Sprintf("[ %s ]", mode)), m.width))
	b.WriteString("\n\n")

	fields := m.visibleFields()
	labelWidth := 0
	for _, idx := range fields {
		if len(fieldLabels[idx]) > labelWidth {
			labelWidth = len(fieldLabels[idx])
		}
	}
	for _, idx := range fields {
		line := labelStyle.Render(fmt.Sprintf("  %-*s: ", labelWidth, fieldLabels[idx])) + m.inputs[idx].View()
		b.WriteString(centerText(line, m.width))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.picker != nil {
		b.WriteString(centerText(labelStyle.Render("Recent servers"), m.width))
		b.WriteString("\n")
		for i, url := range m.picker.urls {
			prefix := "  "
			if i == m.picker.cursor {
				prefix = "> "
			}
			line := prefix + trimLine(url, clampMin(m.width-6, 20))
			b.WriteString(centerText(labelStyle.Render(line), m.width))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if m.errMsg != "" {
		b.WriteString(centerText(errorStyle.Render("  x "+m.errMsg), m.width))
		b.WriteString("\n\n")
	}

	if m.loading {
		b.WriteString(centerText(labelStyle.Render("  connecting..."), m.width))
		b.WriteString("\n\n")
	}

	b.WriteString(centerText(helpStyle.Render("tab/arrows: move - ctrl+r: toggle register - ctrl+s: recent servers - enter: submit - ctrl+q: quit"), m.width))

	return b.String()
}
