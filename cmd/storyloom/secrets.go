package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"storyloom/pkg/config"
)

// secrets implements `storyloom secrets set NAME`.
func (c *cli) secrets(args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return fmt.Errorf("%w: expected `secrets set NAME`", errUsage)
	}
	fs, configPath := c.flags("secrets set")
	if err := parse(fs, args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: secrets set takes exactly one name", errUsage)
	}
	name := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	password, err := c.secretsPassword()
	if err != nil {
		return err
	}

	value, err := c.readSecret(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("%w: empty value for %s", errUsage, name)
	}

	stored, err := config.UpdateSecretsFile(cfg.DataDir, password, name, value)
	if err != nil {
		return fmt.Errorf("failed to update secrets: %w", err)
	}
	fmt.Fprintf(c.stdout, "Saved %s (%d secrets stored)\n", name, stored)
	return nil
}

// unlockSecrets loads the encrypted secrets file when one exists.
func (c *cli) unlockSecrets(dataDir string) error {
	if !config.SecretsFileExists(dataDir) {
		return nil
	}
	password, err := c.secretsPassword()
	if err != nil {
		return err
	}
	if err := config.UnlockSecrets(dataDir, password); err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	return nil
}

// secretsPassword reads the project password from the environment or the terminal.
func (c *cli) secretsPassword() (string, error) {
	if password := os.Getenv(EnvSecretsPassword); password != "" {
		return password, nil
	}
	password, err := c.readSecret("Project password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("no project password given (set %s or run interactively)", EnvSecretsPassword)
	}
	return password, nil
}

// readSecret prompts without echo on a terminal and reads a plain line otherwise.
func (c *cli) readSecret(prompt string) (string, error) {
	if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.stdout, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.stdout)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", strings.TrimSuffix(prompt, ": "), err)
		}
		value := string(b)
		for i := range b {
			b[i] = 0
		}
		return strings.TrimSpace(value), nil
	}

	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read %s: %w", strings.TrimSuffix(prompt, ": "), err)
	}
	return strings.TrimSpace(line), nil
}
