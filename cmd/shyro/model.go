package main

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// clientOptions carries flag-level knobs from main into the chat model.
type clientOptions struct {
	voicedPath   string
	voiceIPCAddr string
	voiceDebug   bool
	voiceLogPath string
}

// rootModel switches between the login screen and the chat screen. It owns
// nothing else; each screen model keeps its own state.
type rootModel struct {
	api    *APIClient
	opts   clientOptions
	login  loginModel
	chat   chatModel
	inChat bool
	width  int
	height int
}

type authSuccessMsg struct{ auth *AuthResponse }

type authErrorMsg struct{ err error }

func newRootModel(api *APIClient, opts clientOptions) rootModel {
	return rootModel{
		api:   api,
		opts:  opts,
		login: newLoginModel(api.serverURL),
	}
}

func (m rootModel) Init() tea.Cmd {
	return m.login.Init()
}

func (m rootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if msg.String() == "ctrl+q" {
			if m.inChat {
				m.chat.shutdown()
			}
			return m, tea.Quit
		}

	case authSuccessMsg:
		return m.enterChat(msg.auth)
	}

	if m.inChat {
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.login, cmd = m.login.Update(msg)
	if m.login.submitting {
		m.login.submitting = false
		m.api.serverURL = strings.TrimSpace(m.login.serverURL())
		return m, tea.Batch(cmd, m.authenticate())
	}
	return m, cmd
}

// enterChat runs the post-auth bookkeeping and swaps to the chat screen.
func (m rootModel) enterChat(auth *AuthResponse) (tea.Model, tea.Cmd) {
	serverURL := strings.TrimSpace(m.login.serverURL())
	if serverURL != "" {
		_ = rememberServer(serverURL, time.Now())
	}
	if passphrase := m.login.passphrase(); passphrase != "" {
		if path, err := credentialsPath(); err == nil {
			_ = saveCredentials(path, passphrase, Credentials{
				ServerURL:   serverURL,
				Token:       auth.Token,
				UserID:      auth.UserID,
				Username:    auth.Username,
				DisplayName: auth.DisplayName,
				Avatar:      auth.Avatar,
			})
		}
	}
	m.inChat = true
	m.chat = newChatModel(m.api, auth, m.opts, m.width, m.height)
	return m, m.chat.Init()
}

func (m rootModel) authenticate() tea.Cmd {
	api := m.api
	register := m.login.registering()
	username := m.login.username()
	password := m.login.password()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		call := api.Login
		if register {
			call = api.Register
		}
		resp, err := call(ctx, username, password)
		if err != nil {
			return authErrorMsg{err: err}
		}
		return authSuccessMsg{auth: resp}
	}
}

func (m rootModel) View() string {
	if m.inChat {
		return m.chat.View()
	}
	return m.login.View()
}
