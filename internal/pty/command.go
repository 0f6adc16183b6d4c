package pty

import (
	"fmt"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
)

const fallbackShell = "/bin/sh"

// parseCommand splits a shell command string into argv. Commands with
// shell operators run through "sh -c"; an empty command starts the user's
// login shell.
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return []string{defaultShell()}, nil
	}
	if strings.ContainsAny(command, "\n|&;$`<>") {
		return []string{fallbackShell, "-c", command}, nil
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("pty: parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return []string{defaultShell()}, nil
	}
	return argv, nil
}

func defaultShell() string {
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" {
		return sh
	}
	return fallbackShell
}
