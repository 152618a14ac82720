package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
)

const voicedEnvVar = "SHYRO_VOICED"

// daemonProcess is a shyrod instance this client spawned and owns.
type daemonProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	log    *os.File
}

// daemonSpawnConfig describes how to launch shyrod for the signed-in user.
type daemonSpawnConfig struct {
	binary    string
	serverURL string
	token     string
	userID    string
	name      string
	avatar    string
	ipcAddr   string
	logSink   *os.File
}

func spawnVoiceDaemon(cfg daemonSpawnConfig) (*daemonProcess, error) {
	path, err := locateVoicedBinary(cfg.binary)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-server", cfg.serverURL,
		"-token", cfg.token,
		"-user", cfg.userID,
		"-name", cfg.name,
		"-ipc", cfg.ipcAddr,
	}
	if cfg.avatar != "" {
		args = append(args, "-avatar", cfg.avatar)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, args...)
	if cfg.logSink != nil {
		cmd.Stdout = cfg.logSink
		cmd.Stderr = cfg.logSink
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	return &daemonProcess{cmd: cmd, cancel: cancel, log: cfg.logSink}, nil
}

func (p *daemonProcess) stop() {
	if p == nil {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_, _ = p.cmd.Process.Wait()
	}
	if p.log != nil {
		_ = p.log.Close()
	}
}

func (m *chatModel) startVoiceDaemon() error {
	if m.voiceProc != nil {
		return nil
	}
	if m.api == nil || m.auth == nil {
		return fmt.Errorf("missing auth")
	}
	if m.voiceIPCAddr == "" {
		return fmt.Errorf("voice ipc address is required")
	}
	sink, err := m.openVoiceLogFile()
	if err != nil {
		return err
	}
	proc, err := spawnVoiceDaemon(daemonSpawnConfig{
		binary:    m.voicedPath,
		serverURL: m.api.serverURL,
		token:     m.auth.Token,
		userID:    m.auth.UserID,
		name:      m.auth.DisplayName,
		avatar:    m.auth.Avatar,
		ipcAddr:   m.voiceIPCAddr,
		logSink:   sink,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return err
	}
	m.voiceProc = proc
	return nil
}

func (m *chatModel) stopVoiceDaemon() {
	m.voiceProc.stop()
	m.voiceProc = nil
}

func (m *chatModel) openVoiceLogFile() (*os.File, error) {
	if !m.voiceDebug && strings.TrimSpace(m.voiceLogPath) == "" {
		return nil, nil
	}
	logPath, err := resolveVoiceLogPath(m.voiceLogPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	m.voiceLogPath = logPath
	return file, nil
}

func resolveVoiceLogPath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "shyro", "shyrod.log"), nil
}

// locateVoicedBinary tries, in order: the explicit hint, the SHYRO_VOICED
// environment variable, a shyrod next to the client binary, ./bin/shyrod,
// ./shyrod, and finally PATH.
func locateVoicedBinary(hint string) (string, error) {
	for _, candidate := range voicedCandidates(hint) {
		if found := executablePath(candidate); found != "" {
			return found, nil
		}
	}
	if path, err := exec.LookPath("shyrod"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("shyrod binary not found; set --voiced or %s", voicedEnvVar)
}

func voicedCandidates(hint string) []string {
	candidates := make([]string, 0, 5)
	if hint = strings.TrimSpace(hint); hint != "" {
		candidates = append(candidates, hint)
	}
	if env := strings.TrimSpace(os.Getenv(voicedEnvVar)); env != "" {
		candidates = append(candidates, env)
	}
	if exe, err := os.Executable(); err == nil && exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "shyrod"))
	}
	return append(candidates,
		filepath.Join(".", "bin", "shyrod"),
		filepath.Join(".", "shyrod"),
	)
}

// executablePath reports the runnable form of path, adding .exe on windows
// when needed, or "" when nothing runnable is there.
func executablePath(path string) string {
	if path == "" {
		return ""
	}
	if isRunnable(path) {
		return path
	}
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(path), ".exe") {
		if withExt := path + ".exe"; isRunnable(withExt) {
			return withExt
		}
	}
	return ""
}

func isRunnable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// daemonUnreachable reports whether err looks like "no daemon is listening"
// rather than a protocol failure, so the client can auto-start one.
func daemonUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such file") || strings.Contains(msg, "connection refused")
}
