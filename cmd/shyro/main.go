package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/shyro-chat/shyro/internal/config"
)

type programRunner interface {
	Run() (tea.Model, error)
}

type programFactory func(tea.Model, ...tea.ProgramOption) programRunner

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, newProgram programFactory) error {
	fs := flag.NewFlagSet("shyro", flag.ContinueOnError)
	fs.SetOutput(stderr)
	serverAddr := fs.String("server", "", "shyro server address")
	ipcAddr := fs.String("ipc", "", "voice daemon ipc address")
	voicedPath := fs.String("voiced", "", "path to the shyrod binary")
	voiceDebug := fs.Bool("voice-debug", false, "log shyrod output to the cache dir")
	voiceLog := fs.String("voice-log", "", "explicit shyrod log file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*serverAddr) == "" {
		*serverAddr = cfg.ServerURL
	}
	if strings.TrimSpace(*ipcAddr) == "" {
		*ipcAddr = cfg.IPCAddr
	}
	if strings.TrimSpace(*ipcAddr) == "" {
		*ipcAddr = config.DefaultIPCAddr()
	}
	if strings.TrimSpace(*voicedPath) == "" {
		*voicedPath = cfg.VoicedPath
	}

	api := NewAPIClient(strings.TrimSpace(*serverAddr))
	m := newRootModel(api, clientOptions{
		voicedPath:   *voicedPath,
		voiceIPCAddr: *ipcAddr,
		voiceDebug:   *voiceDebug,
		voiceLogPath: *voiceLog,
	})

	if newProgram == nil {
		newProgram = func(model tea.Model, options ...tea.ProgramOption) programRunner {
			return tea.NewProgram(model, options...)
		}
	}

	p := newProgram(m, tea.WithAltScreen(), tea.WithInput(stdin), tea.WithOutput(stdout))
	_, err = p.Run()
	return err
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
