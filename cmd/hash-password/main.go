// hash-password prints a bcrypt hash suitable for the password_hash field
// of the users file.
//
//	hash-password                 # prompt on the terminal, with confirmation
//	echo secret | hash-password   # read one line from stdin
//	hash-password --cost 12 -u alice --role admin
//
// With --username the output is a ready-to-paste users file entry.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/fruitsalade/filebrowser/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) error {
	var (
		cost     int
		username string
		role     string
	)
	flagSet := pflag.NewFlagSet("hash-password", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	flagSet.StringVarP(&username, "username", "u", "", "emit a users file entry for this username")
	flagSet.StringVar(&role, "role", config.RoleUser, "role for the users file entry (admin or user)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected arguments %q; the password is read from stdin", flagSet.Args())
	}

	password, err := readPassword(stdin, stderr)
	if err != nil {
		return err
	}
	return writeHash(stdout, password, cost, username, role)
}

func writeHash(w io.Writer, password []byte, cost int, username, role string) error {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if username != "" && role != config.RoleAdmin && role != config.RoleUser {
		return fmt.Errorf("role must be %q or %q", config.RoleAdmin, config.RoleUser)
	}

	hash, err := bcrypt.GenerateFromPassword(password, cost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	if username == "" {
		_, err = fmt.Fprintln(w, string(hash))
		return err
	}

	out, err := yaml.Marshal([]config.User{{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}})
	if err != nil {
		return fmt.Errorf("encoding users entry: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// readPassword prompts with echo disabled when stdin is a terminal and
// reads a single line otherwise.
func readPassword(stdin *os.File, stderr io.Writer) ([]byte, error) {
	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil, fmt.Errorf("password is empty")
		}
		return []byte(line), nil
	}

	fmt.Fprint(stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("password is empty")
	}

	fmt.Fprint(stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password confirmation: %w", err)
	}
	if !bytes.Equal(first, second) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return first, nil
}
