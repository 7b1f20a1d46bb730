package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outbox/pkg/types"
)

// PostgresKeyStore reads actor keys from the accounts table. Local actors are
// addressed as https://<localDomain>/users/<username>; remote actors by their uri.
type PostgresKeyStore struct {
	pool        *pgxpool.Pool
	localDomain string
}

func NewPostgresKeyStore(pool *pgxpool.Pool, localDomain string) *PostgresKeyStore {
	return &PostgresKeyStore{pool: pool, localDomain: strings.ToLower(localDomain)}
}

func (s *PostgresKeyStore) PrivateKey(ctx context.Context, actorURI string) (*rsa.PrivateKey, error) {
	username, err := s.localUsername(actorURI)
	if err != nil {
		return nil, err
	}

	var pemText string
	err = s.pool.QueryRow(ctx,
		`SELECT coalesce(private_key, '') FROM accounts
		  WHERE domain IS NULL AND lower(username) = lower($1)`,
		username).Scan(&pemText)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && pemText == "") {
		return nil, fmt.Errorf("%w for %s", ErrKeyNotFound, actorURI)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load private key for %s: %w", actorURI, err)
	}
	return ParsePrivateKeyPEM([]byte(pemText))
}

// PublicKey resolves a signature keyId to the remote actor that owns it.
func (s *PostgresKeyStore) PublicKey(ctx context.Context, keyID string) (types.Actor, *rsa.PublicKey, error) {
	uri := keyID
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		uri = uri[:i]
	}

	var (
		actor   types.Actor
		pemText string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, coalesce(uri, ''), coalesce(inbox_url, ''), coalesce(shared_inbox_url, ''),
		        domain IS NULL, coalesce(public_key, '')
		   FROM accounts WHERE uri = $1 AND suspended_at IS NULL`,
		uri).Scan((*string)(&actor.ID), &actor.URI, &actor.InboxURL, &actor.SharedInboxURL, &actor.Local, &pemText)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Actor{}, nil, fmt.Errorf("%w for %s", ErrKeyNotFound, keyID)
	}
	if err != nil {
		return types.Actor{}, nil, fmt.Errorf("failed to load public key for %s: %w", keyID, err)
	}

	key, err := ParsePublicKeyPEM([]byte(pemText))
	if err != nil {
		return types.Actor{}, nil, err
	}
	return actor, key, nil
}

func (s *PostgresKeyStore) localUsername(actorURI string) (string, error) {
	u, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("%w: malformed actor uri %q", ErrKeyNotFound, actorURI)
	}
	if strings.ToLower(u.Hostname()) != s.localDomain {
		return "", fmt.Errorf("%w: %s is not a local actor", ErrKeyNotFound, actorURI)
	}
	username, ok := strings.CutPrefix(u.Path, "/users/")
	if !ok || username == "" || strings.Contains(username, "/") {
		return "", fmt.Errorf("%w: unrecognised actor path %q", ErrKeyNotFound, u.Path)
	}
	return username, nil
}

var _ KeyProvider = (*PostgresKeyStore)(nil)
