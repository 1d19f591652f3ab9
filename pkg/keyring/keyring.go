// Package keyring stores local signing identities on disk. Private key
// seeds are encrypted with a passphrase-derived key before they touch the
// database; the database itself holds only public keys and ciphertext.
package keyring

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"driftchat/pkg/identity"
)

var (
	// ErrExists is returned when creating an identity under a taken name.
	ErrExists = errors.New("keyring: identity already exists")

	// ErrNotFound is returned when no identity matches the given name.
	ErrNotFound = errors.New("keyring: identity not found")

	// ErrWrongPassphrase is returned when decryption fails. Indistinguishable
	// from a corrupted record on purpose.
	ErrWrongPassphrase = errors.New("keyring: wrong passphrase or corrupted key")
)

// Argon2id parameters for passphrase key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	name            TEXT PRIMARY KEY,
	public_key      BLOB NOT NULL,
	salt            BLOB NOT NULL,
	nonce           BLOB NOT NULL,
	enc_private_key BLOB NOT NULL,
	created_at      TEXT NOT NULL
);
`

// Keyring is a SQLite-backed store of named signing identities.
type Keyring struct {
	db *sql.DB
}

// Entry describes one stored identity without exposing key material.
type Entry struct {
	Name      string
	Public    identity.PublicKey
	CreatedAt time.Time
}

// Open opens (or creates) the keyring database at path and runs migrations.
func Open(path string) (*Keyring, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keyring: open %s: %w", path, err)
	}

	// Single writer; keep contention handling simple.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("keyring: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("keyring: migrate: %w", err)
	}
	return &Keyring{db: db}, nil
}

// Close closes the underlying database.
func (k *Keyring) Close() error {
	return k.db.Close()
}

// Create generates a fresh identity, encrypts its seed under the
// passphrase, and stores it as name.
func (k *Keyring) Create(name, passphrase string) (identity.KeyPair, error) {
	kp, err := identity.Generate()
	if err != nil {
		return identity.KeyPair{}, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return identity.KeyPair{}, fmt.Errorf("keyring: salt: %w", err)
	}
	aead, err := chacha20poly1305.New(deriveKey(passphrase, salt))
	if err != nil {
		return identity.KeyPair{}, fmt.Errorf("keyring: cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return identity.KeyPair{}, fmt.Errorf("keyring: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, kp.Private.Seed(), nil)

	_, err = k.db.Exec(
		`INSERT INTO identities (name, public_key, salt, nonce, enc_private_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, kp.Public[:], salt, nonce, sealed, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.KeyPair{}, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return identity.KeyPair{}, fmt.Errorf("keyring: insert %s: %w", name, err)
	}
	return kp, nil
}

// Load decrypts and reconstructs the named identity.
func (k *Keyring) Load(name, passphrase string) (identity.KeyPair, error) {
	var salt, nonce, sealed []byte
	err := k.db.QueryRow(
		`SELECT salt, nonce, enc_private_key FROM identities WHERE name = ?`, name,
	).Scan(&salt, &nonce, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.KeyPair{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return identity.KeyPair{}, fmt.Errorf("keyring: load %s: %w", name, err)
	}

	aead, err := chacha20poly1305.New(deriveKey(passphrase, salt))
	if err != nil {
		return identity.KeyPair{}, fmt.Errorf("keyring: cipher: %w", err)
	}
	seed, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return identity.KeyPair{}, ErrWrongPassphrase
	}
	return identity.FromSeed(seed)
}

// List returns all stored identities ordered by name.
func (k *Keyring) List() ([]Entry, error) {
	rows, err := k.db.Query(
		`SELECT name, public_key, created_at FROM identities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("keyring: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			pub     []byte
			created string
		)
		if err := rows.Scan(&e.Name, &pub, &created); err != nil {
			return nil, fmt.Errorf("keyring: scan: %w", err)
		}
		if len(pub) != identity.KeySize {
			return nil, fmt.Errorf("keyring: record %s has a malformed public key", e.Name)
		}
		copy(e.Public[:], pub)
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Fingerprint returns the stored identity's public key fingerprint without
// requiring the passphrase.
func (k *Keyring) Fingerprint(name string) (string, error) {
	var pub []byte
	err := k.db.QueryRow(
		`SELECT public_key FROM identities WHERE name = ?`, name).Scan(&pub)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("keyring: fingerprint %s: %w", name, err)
	}
	if len(pub) != identity.KeySize {
		return "", fmt.Errorf("keyring: record %s has a malformed public key", name)
	}
	var key identity.PublicKey
	copy(key[:], pub)
	return key.Fingerprint(), nil
}

// Remove deletes the named identity. The key material is unrecoverable
// afterwards.
func (k *Keyring) Remove(name string) error {
	res, err := k.db.Exec(`DELETE FROM identities WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("keyring: remove %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// isUniqueViolation matches the driver's primary-key constraint error.
// The modernc driver does not export a typed error for this, so match on
// the SQLite message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
