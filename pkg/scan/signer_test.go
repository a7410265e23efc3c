package scan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-copilot/pkg/domain/errors"
)

func TestSignerSignAndVerify(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	data := []byte(`{"bomFormat":"CycloneDX"}`)
	sig := signer.Sign(data)
	assert.True(t, Verify(signer.PublicKey(), data, sig))
	assert.False(t, Verify(signer.PublicKey(), []byte("tampered"), sig))

	other, err := GenerateSigner()
	require.NoError(t, err)
	assert.False(t, Verify(other.PublicKey(), data, sig), "a different key must not verify")
}

func TestSignerEncodedRoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	data := []byte("sbom bytes")
	encoded := signer.SignEncoded(data)
	assert.True(t, len(encoded) > 1 && encoded[len(encoded)-1] == '\n', "sig artifacts end with a newline")
	assert.True(t, VerifyEncoded(signer.PublicKey(), data, encoded))
	assert.False(t, VerifyEncoded(signer.PublicKey(), data, "not base64!"))
}

func TestSignerKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.pem")

	signer, err := GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, signer.SaveKey(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadSigner(path)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), loaded.PublicKey())

	data := []byte("artifact")
	assert.True(t, Verify(signer.PublicKey(), data, loaded.Sign(data)))
}

func TestLoadOrCreateSignerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.pem")

	first, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	second, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey(), "second load must reuse the generated key")
}

func TestLoadSignerRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSigner(filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = LoadSigner(garbage)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
}

func TestNewSignerRejectsShortKey(t *testing.T) {
	_, err := NewSigner(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
}
