package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func stdinTerminal() int {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		return fd
	}
	return -1
}

// readPassword resolves a password from --password-file, a terminal prompt,
// or the first line of stdin, in that order
func (rt *runtime) readPassword(cmd *cobra.Command, file, prompt string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return nonEmpty(strings.TrimRight(string(data), "\r\n"))
	}

	if rt.terminalFD >= 0 {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := term.ReadPassword(rt.terminalFD)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return nonEmpty(string(secret))
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return nonEmpty(strings.TrimRight(line, "\r\n"))
}

func nonEmpty(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("password is empty")
	}
	return secret, nil
}
