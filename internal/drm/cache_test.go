package drm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/manifold/internal/manifest"
)

type fakeFactory struct {
	created []Candidate
	fail    bool
}

func (f *fakeFactory) CreateClient(cand Candidate) (any, error) {
	if f.fail {
		return nil, errors.New("no capable CDM")
	}
	f.created = append(f.created, cand)
	return len(f.created), nil
}

func aes128Key() *manifest.EncryptionKey {
	return &manifest.EncryptionKey{
		Method:    manifest.EncryptionAES128,
		URI:       "https://keys.example.com/k/1",
		IV:        []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		KeyFormat: "identity",
	}
}

func TestClientCache_SchemeAndCipherMapping(t *testing.T) {
	cases := []struct {
		method manifest.EncryptionMethod
		scheme string
		cipher string
	}{
		{manifest.EncryptionAES128, "AES-128", "cbc7"},
		{manifest.EncryptionSampleAES, "SAMPLE-AES", "cbcs"},
		{manifest.EncryptionSampleAESCTR, "SAMPLE-AES", "cenc"},
	}
	for _, tc := range cases {
		t.Run(string(tc.method), func(t *testing.T) {
			factory := &fakeFactory{}
			cache, err := NewClientCache(factory, 4)
			require.NoError(t, err)

			key := aes128Key()
			key.Method = tc.method
			entry, err := cache.GetClient(key)
			require.NoError(t, err)

			require.Len(t, factory.created, 1)
			assert.Equal(t, tc.scheme, factory.created[0].Scheme)
			assert.Equal(t, tc.cipher, factory.created[0].Cipher)
			assert.Equal(t, tc.cipher, entry.MimeType)
		})
	}
}

func TestClientCache_ReusesEntryForSameKey(t *testing.T) {
	factory := &fakeFactory{}
	cache, err := NewClientCache(factory, 4)
	require.NoError(t, err)

	first, err := cache.GetClient(aes128Key())
	require.NoError(t, err)
	second, err := cache.GetClient(aes128Key())
	require.NoError(t, err)

	assert.Len(t, factory.created, 1)
	assert.Equal(t, first.Client, second.Client)

	// A different license URL is a different key.
	other := aes128Key()
	other.URI = "https://keys.example.com/k/2"
	_, err = cache.GetClient(other)
	require.NoError(t, err)
	assert.Len(t, factory.created, 2)
}

func TestClientCache_KIDDerivedFromLicenseURL(t *testing.T) {
	factory := &fakeFactory{}
	cache, err := NewClientCache(factory, 4)
	require.NoError(t, err)

	entry, err := cache.GetClient(aes128Key())
	require.NoError(t, err)
	require.Len(t, entry.KID, 20)

	same, err := cache.GetClient(aes128Key())
	require.NoError(t, err)
	assert.Equal(t, entry.KID, same.KID)
}

func TestClientCache_UnsupportedMethod(t *testing.T) {
	cache, err := NewClientCache(&fakeFactory{}, 4)
	require.NoError(t, err)

	key := aes128Key()
	key.Method = manifest.EncryptionNone
	_, err = cache.GetClient(key)
	require.Error(t, err)
}

func TestClientCache_FactoryFailure(t *testing.T) {
	cache, err := NewClientCache(&fakeFactory{fail: true}, 4)
	require.NoError(t, err)

	_, err = cache.GetClient(aes128Key())
	require.Error(t, err)
}

func TestPaddedIV(t *testing.T) {
	iv := PaddedIV(0x0102)
	require.Len(t, iv, 16)
	assert.Equal(t, byte(0x02), iv[15])
	assert.Equal(t, byte(0x01), iv[14])
	for i := 0; i < 14; i++ {
		assert.Zero(t, iv[i])
	}
}
