// Package htpasswd parses Apache-style htpasswd credential files for the
// proxy's --htpasswd authentication mode.
package htpasswd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// File is a parsed htpasswd credential file: username -> hashed password.
type File struct {
	entries map[string]string
}

// Load reads and parses an htpasswd file. Only bcrypt entries (the format
// `htpasswd -B` produces) are supported; legacy crypt(3)/APR1-MD5 entries
// are rejected at load time rather than silently treated as always-failing,
// so a misconfigured credentials file is a startup error, not a runtime
// authentication bypass.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open htpasswd file: %w", err)
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("htpasswd: malformed line %d", lineNo)
		}
		if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") && !strings.HasPrefix(hash, "$2y$") {
			return nil, fmt.Errorf("htpasswd: line %d: only bcrypt ($2a$/$2b$/$2y$) entries are supported", lineNo)
		}
		entries[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &File{entries: entries}, nil
}

// Verify reports whether password is correct for user.
func (f *File) Verify(user, password string) bool {
	hash, ok := f.entries[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
