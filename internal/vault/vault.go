package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/chacha20poly1305"

	logx "innkeep/pkg/logx"
)

// Well-known credential keys. Channel adapters never see these names; the
// dispatcher resolves them per channel.
const (
	KeyEmailSender   = "email_sender"
	KeyEmailPassword = "email_password"
	KeyWhatsAppSID   = "whatsapp_account_sid"
	KeyWhatsAppToken = "whatsapp_auth_token"
	KeyWhatsAppFrom  = "whatsapp_from"
	KeyTelegramToken = "telegram_bot_token"
)

var (
	// ErrLocked means the master key is unavailable; no entry can be read.
	ErrLocked = errors.New("vault: locked (master key unavailable)")
	// ErrCorrupted means a ciphertext failed authentication. Decryption
	// fails loudly; altered plaintext is never returned.
	ErrCorrupted = errors.New("vault: corrupted secret")
	// ErrNotFound means no entry exists under the requested key.
	ErrNotFound = errors.New("vault: secret not found")
)

// Vault stores channel credentials encrypted at rest. Only this package ever
// sees plaintext; callers get a decrypted copy scoped to a single send.
type Vault struct {
	db  *sqlx.DB
	log logx.Logger

	mu   sync.RWMutex
	aead cipher.AEAD
}

// Open wires the vault onto the shared database. masterKey must be
// chacha20poly1305.KeySize bytes; pass nil to open a locked vault (every
// Retrieve fails with ErrLocked until Unlock).
func Open(db *sqlx.DB, masterKey []byte, log logx.Logger) (*Vault, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	v := &Vault{db: db, log: log}
	if masterKey != nil {
		if err := v.Unlock(masterKey); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Unlock installs the master key.
func (v *Vault) Unlock(masterKey []byte) error {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return fmt.Errorf("vault: bad master key: %w", err)
	}
	v.mu.Lock()
	v.aead = aead
	v.mu.Unlock()
	return nil
}

func (v *Vault) cipher() (cipher.AEAD, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.aead == nil {
		return nil, ErrLocked
	}
	return v.aead, nil
}

// Store encrypts plaintext and upserts it under key.
func (v *Vault) Store(ctx context.Context, key, plaintext string) error {
	aead, err := v.cipher()
	if err != nil {
		return err
	}
	ct, err := seal(aead, []byte(plaintext))
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx,
		`INSERT INTO credentials(key, ciphertext, version, updated_at) VALUES(?,?,1,?)
		 ON CONFLICT(key) DO UPDATE SET ciphertext = excluded.ciphertext,
		                                version = credentials.version + 1,
		                                updated_at = excluded.updated_at`,
		key, ct, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("vault: store %q: %w", key, err)
	}
	v.log.Debug("secret stored", logx.String("key", key))
	return nil
}

// Retrieve decrypts the entry under key. The plaintext is never logged.
func (v *Vault) Retrieve(ctx context.Context, key string) (string, error) {
	aead, err := v.cipher()
	if err != nil {
		return "", err
	}
	var ct []byte
	err = v.db.QueryRowxContext(ctx, `SELECT ciphertext FROM credentials WHERE key = ?`, key).Scan(&ct)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("vault: retrieve %q: %w", key, err)
	}
	pt, err := open(aead, ct)
	if err != nil {
		v.log.Warn("secret failed authentication", logx.String("key", key))
		return "", ErrCorrupted
	}
	return string(pt), nil
}

// Delete removes the entry under key. Missing entries are not an error.
func (v *Vault) Delete(ctx context.Context, key string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key)
	return err
}

// Info describes a stored secret without exposing its value.
type Info struct {
	Key       string    `db:"key"`
	Version   int       `db:"version"`
	UpdatedAt time.Time `db:"-"`
}

// List returns key names and metadata only.
func (v *Vault) List(ctx context.Context) ([]Info, error) {
	rows, err := v.db.QueryxContext(ctx,
		`SELECT key, version, updated_at FROM credentials ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			in Info
			ms int64
		)
		if err := rows.Scan(&in.Key, &in.Version, &ms); err != nil {
			return nil, err
		}
		in.UpdatedAt = time.UnixMilli(ms)
		out = append(out, in)
	}
	return out, rows.Err()
}

// RotateMasterKey re-encrypts every entry under newKey in one transaction and
// installs newKey as the active master key. On any failure the old key and
// ciphertexts remain in effect.
func (v *Vault) RotateMasterKey(ctx context.Context, newKey []byte) error {
	oldAEAD, err := v.cipher()
	if err != nil {
		return err
	}
	newAEAD, err := chacha20poly1305.NewX(newKey)
	if err != nil {
		return fmt.Errorf("vault: bad master key: %w", err)
	}

	tx, err := v.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	type entry struct {
		Key        string `db:"key"`
		Ciphertext []byte `db:"ciphertext"`
	}
	var entries []entry
	if err := tx.SelectContext(ctx, &entries, `SELECT key, ciphertext FROM credentials`); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, e := range entries {
		pt, err := open(oldAEAD, e.Ciphertext)
		if err != nil {
			return fmt.Errorf("vault: rotate %q: %w", e.Key, ErrCorrupted)
		}
		ct, err := seal(newAEAD, pt)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credentials SET ciphertext = ?, version = version + 1, updated_at = ? WHERE key = ?`,
			ct, now, e.Key,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	v.mu.Lock()
	v.aead = newAEAD
	v.mu.Unlock()
	v.log.Info("master key rotated", logx.Int("entries", len(entries)))
	return nil
}

// Rotate generates a fresh master key, re-encrypts every entry under it and
// rewrites the key file at keyPath. If the file write fails the new key is
// already active and the old file is stale; the error says so, because the
// operator must fix the file before the next restart.
func (v *Vault) Rotate(ctx context.Context, keyPath string) error {
	key, err := NewKey()
	if err != nil {
		return err
	}
	if err := v.RotateMasterKey(ctx, key); err != nil {
		return err
	}
	if err := WriteKeyFile(keyPath, key); err != nil {
		return fmt.Errorf("vault: entries re-encrypted but key file %s not updated (process restart will lock the vault): %w", keyPath, err)
	}
	return nil
}

// seal prepends a fresh random nonce to the AEAD ciphertext.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, blob []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(blob) < ns {
		return nil, errors.New("short ciphertext")
	}
	return aead.Open(nil, blob[:ns], blob[ns:], nil)
}
