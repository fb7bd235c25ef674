// Package auth implements the service's token authentication: a YAML-file-backed
// token database mapping bearer tokens to display name, superuser
// status, and public-read opt-in.
package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TokenInfo describes one registered token.
type TokenInfo struct {
	Token      string `yaml:"token"`
	Name       string `yaml:"name"`
	Date       string `yaml:"date"`
	Superuser  bool   `yaml:"superuser"`
	PublicRead bool   `yaml:"public_read"`
}

type tokenFile struct {
	Tokens []TokenInfo `yaml:"tokens"`
}

// Authenticator validates bearer tokens against a token database.
type Authenticator interface {
	Validate(token string) bool
	IsSuperuser(token string) bool
	IsPublicRead(token string) bool
	Info(token string) (TokenInfo, bool)
}

// TokenAuth is a YAML-file-backed Authenticator.
type TokenAuth struct {
	path   string
	tokens map[string]TokenInfo
}

// Load reads the token database at path, creating an empty one if it
// does not exist.
func Load(path string) (*TokenAuth, error) {
	a := &TokenAuth{path: path, tokens: make(map[string]TokenInfo)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		empty := tokenFile{Tokens: []TokenInfo{}}
		out, marshalErr := yaml.Marshal(empty)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshaling empty token db: %w", marshalErr)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("creating token db: %w", err)
		}
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token db %s: %w", path, err)
	}

	var tf tokenFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing token db %s: %w", path, err)
	}
	for _, t := range tf.Tokens {
		a.tokens[t.Token] = t
	}
	return a, nil
}

// Validate reports whether token is a known token.
func (a *TokenAuth) Validate(token string) bool {
	_, ok := a.tokens[token]
	return ok
}

// IsSuperuser reports whether token carries superuser privileges.
func (a *TokenAuth) IsSuperuser(token string) bool {
	info, ok := a.tokens[token]
	return ok && info.Superuser
}

// IsPublicRead reports whether token's owner has opted in to having their
// reviews listed by the public_only query mode.
func (a *TokenAuth) IsPublicRead(token string) bool {
	info, ok := a.tokens[token]
	return ok && info.PublicRead
}

// Info returns the registered information for token.
func (a *TokenAuth) Info(token string) (TokenInfo, bool) {
	info, ok := a.tokens[token]
	return info, ok
}
