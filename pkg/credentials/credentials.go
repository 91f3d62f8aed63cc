// Package credentials discovers per-account session credentials from the
// environment. The store is read-only once built.
package credentials

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"referral-probe/pkg/models"
)

const (
	cookiePrefix  = "COOKIE_"
	refererPrefix = "REFERER_"
	paramsPrefix  = "PARAMS_"

	// DefaultAccount names the account built from SESSION_COOKIE when no
	// COOKIE_<NAME> variables exist.
	DefaultAccount = "DEFAULT"
)

// PreconditionError reports a credential problem that retrying cannot fix.
type PreconditionError struct {
	Account string
	Reason  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("account %q: %s", e.Account, e.Reason)
}

type Store interface {
	Lookup(name string) (models.Credentials, error)
	Names() []string
}

type EnvStore struct {
	accounts map[string]models.Credentials
	names    []string
}

// Load reads the optional env file into the process environment and builds
// the store from it. Variables already set in the environment win.
func Load(envFile, defaultReferer string) (*EnvStore, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return FromEnviron(os.Environ(), defaultReferer), nil
}

// FromEnviron builds a store from KEY=VALUE pairs.
func FromEnviron(environ []string, defaultReferer string) *EnvStore {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	accounts := make(map[string]models.Credentials)
	for k, v := range env {
		if !strings.HasPrefix(k, cookiePrefix) {
			continue
		}
		name := strings.TrimPrefix(k, cookiePrefix)
		if name == "" {
			continue
		}
		referer := env[refererPrefix+name]
		if referer == "" {
			referer = defaultReferer
		}
		accounts[name] = models.Credentials{
			Name:         name,
			SessionToken: v,
			Referer:      referer,
			ExtraParams:  env[paramsPrefix+name],
		}
	}

	if len(accounts) == 0 && env["SESSION_COOKIE"] != "" {
		accounts[DefaultAccount] = models.Credentials{
			Name:         DefaultAccount,
			SessionToken: env["SESSION_COOKIE"],
			Referer:      defaultReferer,
		}
	}

	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	return &EnvStore{accounts: accounts, names: names}
}

// Lookup returns the credentials for name. A missing account or an empty
// session token is a *PreconditionError.
func (s *EnvStore) Lookup(name string) (models.Credentials, error) {
	creds, ok := s.accounts[name]
	if !ok {
		return models.Credentials{}, &PreconditionError{Account: name, Reason: "unknown account"}
	}
	if strings.TrimSpace(creds.SessionToken) == "" {
		return models.Credentials{}, &PreconditionError{Account: name, Reason: "session token is not set"}
	}
	return creds, nil
}

func (s *EnvStore) Names() []string {
	return append([]string(nil), s.names...)
}
