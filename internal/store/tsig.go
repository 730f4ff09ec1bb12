package store

import (
	"context"
	"fmt"
	"strings"
)

// TSIGKey projects a tsig_keys row.
type TSIGKey struct {
	Name      string
	Algorithm string // hmac-sha256 | hmac-sha1
	Secret    string // base64
	Enabled   bool
}

// TSIGKeyByName looks up a TSIG key by its owner name, the key used to
// verify an inbound signed request and to sign the matching reply.
func (s *Store) TSIGKeyByName(ctx context.Context, name string) (*TSIGKey, bool, error) {
	var k TSIGKey
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, algorithm, secret, enabled FROM tsig_keys WHERE name = ?`, name).
		Scan(&k.Name, &k.Algorithm, &k.Secret, &enabled)
	if err == sqlNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tsig key: %w", err)
	}
	k.Enabled = enabled != 0
	return &k, true, nil
}

// SecretFor implements internal/tsig.KeySource, giving the tsig package a
// way to resolve key secrets without importing internal/store directly.
func (s *Store) SecretFor(name, algorithm string) (string, bool, error) {
	k, ok, err := s.TSIGKeyByName(context.Background(), name)
	if err != nil || !ok || !k.Enabled || !strings.EqualFold(k.Algorithm, algorithm) {
		return "", false, err
	}
	return k.Secret, true, nil
}
