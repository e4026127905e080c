package security

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey     = "0x289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"
	testAddress = "0x970e8128ab834e8eac17ab8e3812f010678cf791"
)

func TestSigner_SignAndVerify(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	payload := map[string]interface{}{"success": true, "wallet": "0xabc", "total": 12.5}
	in, err := s.Sign(payload)
	require.NoError(t, err)

	assert.Equal(t, Algorithm, in.Algorithm)
	assert.Equal(t, s.Address(), in.Signer)
	assert.Equal(t, int64(1_700_000_000), in.SignedAt)
	assert.Len(t, in.Signature, 2+65*2)
	assert.Len(t, in.Keccak256, 2+32*2)

	require.NoError(t, Verify(payload, in))
}

func TestSigner_DeterministicAddress(t *testing.T) {
	a, err := NewSigner(testKey)
	require.NoError(t, err)
	b, err := NewSigner(testKey[2:])
	require.NoError(t, err)

	assert.Equal(t, a.Address(), b.Address())
	assert.Equal(t, common.HexToAddress(testAddress).Hex(), a.Address())
}

func TestSigner_EphemeralKey(t *testing.T) {
	a, err := NewSigner("")
	require.NoError(t, err)
	b, err := NewSigner("")
	require.NoError(t, err)

	assert.NotEqual(t, a.Address(), b.Address())
}

func TestSigner_InvalidKey(t *testing.T) {
	_, err := NewSigner("not-a-key")
	assert.Error(t, err)
}

func TestVerify_DetectsTampering(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	payload := map[string]interface{}{"total": 10}
	in, err := s.Sign(payload)
	require.NoError(t, err)

	tampered := map[string]interface{}{"total": 11}
	assert.ErrorIs(t, Verify(tampered, in), ErrSignatureMismatch)

	other, err := NewSigner("")
	require.NoError(t, err)
	forged := in
	forged.Signer = other.Address()
	assert.ErrorIs(t, Verify(payload, forged), ErrSignatureMismatch)

	broken := in
	broken.Signature = "0xzz"
	assert.Error(t, Verify(payload, broken))
}
