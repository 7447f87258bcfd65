// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package config

import (
	"regexp"

	"github.com/samber/oops"
	"golang.org/x/crypto/bcrypt"
)

var bcryptRegex = regexp.MustCompile(`^\$2[ayb]\$.{56}$`)

// upgradeAdmins replaces plaintext admin passwords with bcrypt hashes.
// The literal "password" is swapped for a generated token first, so the
// well-known default can never be used to log in.
func (c *Config) upgradeAdmins() error {
	for user, password := range c.Admins {
		if password == "" || bcryptRegex.MatchString(password) {
			continue
		}
		if password == "password" {
			password = NewToken()
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return oops.Code("CONFIG_ADMIN_HASH_FAILED").With("user", user).Wrap(err)
		}
		c.Admins[user] = string(hash)
	}
	return nil
}

// IsAdmin reports whether user may hold a management token. The root user
// is always an admin but has no password.
func (c *Config) IsAdmin(user string) bool {
	if user == "root" {
		return true
	}
	_, ok := c.Admins[user]
	return ok
}

// CheckPassword verifies a management login. Password login as root is
// never allowed.
func (c *Config) CheckPassword(user, password string) bool {
	if user == "root" || password == "" {
		return false
	}
	hash, ok := c.Admins[user]
	if !ok || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
