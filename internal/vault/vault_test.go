package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innkeep/internal/store"
	logx "innkeep/pkg/logx"
)

func testVault(t *testing.T) (*Vault, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := NewKey()
	require.NoError(t, err)
	v, err := Open(st.DB(), key, logx.Nop())
	require.NoError(t, err)
	return v, st
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, KeyEmailPassword, "s3cret-app-password"))

	got, err := v.Retrieve(ctx, KeyEmailPassword)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-app-password", got)
}

func TestRetrieveMissingKey(t *testing.T) {
	v, _ := testVault(t)

	_, err := v.Retrieve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreOverwriteBumpsVersion(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, KeyWhatsAppToken, "first"))
	require.NoError(t, v.Store(ctx, KeyWhatsAppToken, "second"))

	got, err := v.Retrieve(ctx, KeyWhatsAppToken)
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	infos, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].Version)
}

func TestTamperedCiphertextFailsLoudly(t *testing.T) {
	v, st := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, KeyEmailSender, "front-desk@hotel.example"))

	// Flip one byte of the stored blob.
	var ct []byte
	require.NoError(t, st.DB().QueryRowx(
		`SELECT ciphertext FROM credentials WHERE key = ?`, KeyEmailSender).Scan(&ct))
	ct[len(ct)-1] ^= 0xff
	_, err := st.DB().Exec(`UPDATE credentials SET ciphertext = ? WHERE key = ?`, ct, KeyEmailSender)
	require.NoError(t, err)

	_, err = v.Retrieve(ctx, KeyEmailSender)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestLockedVault(t *testing.T) {
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := Open(st.DB(), nil, logx.Nop())
	require.NoError(t, err)

	_, err = v.Retrieve(context.Background(), KeyEmailSender)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, v.Store(context.Background(), "k", "v"), ErrLocked)
}

func TestRotateMasterKey(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, KeyWhatsAppSID, "AC0123456789"))
	require.NoError(t, v.Store(ctx, KeyWhatsAppFrom, "+14155550100"))

	newKey, err := NewKey()
	require.NoError(t, err)
	require.NoError(t, v.RotateMasterKey(ctx, newKey))

	// Entries readable with the rotated key.
	got, err := v.Retrieve(ctx, KeyWhatsAppSID)
	require.NoError(t, err)
	assert.Equal(t, "AC0123456789", got)

	got, err = v.Retrieve(ctx, KeyWhatsAppFrom)
	require.NoError(t, err)
	assert.Equal(t, "+14155550100", got)
}

func TestRotateRejectsOldKey(t *testing.T) {
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	oldKey, err := NewKey()
	require.NoError(t, err)
	v, err := Open(st.DB(), oldKey, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, v.Store(ctx, KeyTelegramToken, "123:abc"))

	newKey, err := NewKey()
	require.NoError(t, err)
	require.NoError(t, v.RotateMasterKey(ctx, newKey))

	stale, err := Open(st.DB(), oldKey, logx.Nop())
	require.NoError(t, err)
	_, err = stale.Retrieve(ctx, KeyTelegramToken)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestRotateRewritesKeyFile(t *testing.T) {
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	path := filepath.Join(t.TempDir(), "master.key")
	oldKey, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	v, err := Open(st.DB(), oldKey, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, KeyEmailPassword, "app-password"))

	require.NoError(t, v.Rotate(ctx, path))

	// The file now holds the active key: a vault unlocked from it reads the
	// re-encrypted entry, and the old key is dead.
	newKey, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	reopened, err := Open(st.DB(), newKey, logx.Nop())
	require.NoError(t, err)
	got, err := reopened.Retrieve(ctx, KeyEmailPassword)
	require.NoError(t, err)
	assert.Equal(t, "app-password", got)
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	require.Len(t, k1, 32)

	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
