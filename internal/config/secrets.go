package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// Secrets file errors.
var (
	ErrSecretsSyntax = errors.New("secrets file syntax error")
	ErrDuplicateUser = errors.New("duplicate user in secrets file")
)

// ReadSecrets loads the legacy secrets file at path: one `user password`
// pair per line, fields separated by whitespace, # comments and blank lines
// ignored. A world-readable file is tolerated with a warning; these are
// shared secrets, not hashes.
func ReadSecrets(path string, logger *slog.Logger) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open secrets file: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if info.Mode().Perm()&(fs.ModePerm&0o044) != 0 {
			logger.Warn("secrets file is readable by other users",
				slog.String("file", path),
				slog.String("mode", info.Mode().Perm().String()))
		}
	}

	users, err := parseSecrets(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return users, nil
}

func parseSecrets(r io.Reader) (map[string]string, error) {
	users := map[string]string{}

	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: %w: want `user password`", lineno, ErrSecretsSyntax)
		}
		user, secret := fields[0], fields[1]
		if _, dup := users[user]; dup {
			return nil, fmt.Errorf("line %d: %w: %q", lineno, ErrDuplicateUser, user)
		}
		users[user] = secret
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	return users, nil
}
