package main

import (
	"testing"
)

func setTestConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func newTestAuth() *AuthResponse {
	return &AuthResponse{
		Token:       "token",
		UserID:      "u-1",
		Username:    "alice",
		DisplayName: "Alice",
	}
}

func newChatForTest(t *testing.T, api *APIClient) chatModel {
	t.Helper()
	setTestConfigDir(t)
	return newChatModel(api, newTestAuth(), clientOptions{voiceIPCAddr: "unused"}, 80, 24)
}

func lastSystemMessage(m chatModel) string {
	var msgs []chatMessage
	if m.activeChannel != "" {
		msgs = m.msgs[m.activeChannel]
	} else {
		msgs = m.systemMsgs
	}
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].body
}
