// Package drm maps HLS encryption declarations onto host-provided CDM
// clients and caches the resulting handles per license key.
package drm

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jmylchreest/manifold/internal/manifest"
	"github.com/jmylchreest/manifold/internal/playlist"
)

// Candidate describes one key scheme offered to the host CDM.
type Candidate struct {
	// Scheme is "AES-128" or "SAMPLE-AES".
	Scheme string

	// Cipher is the common encryption cipher: cbc7 for full-segment
	// AES-128, cbcs for SAMPLE-AES, cenc for SAMPLE-AES-CTR.
	Cipher string

	KeyFormat         string
	KeyFormatVersions string

	// LicenseURL is the resolved key URI.
	LicenseURL string

	// KID is the stable key identifier derived from the license URL.
	KID []byte
}

// ClientFactory is the host integration creating CDM clients. A factory
// returns an error when no CDM supports the candidate.
type ClientFactory interface {
	CreateClient(cand Candidate) (any, error)
}

// Entry is a cached, ready-to-use DRM client handle.
type Entry struct {
	Client   any
	KID      []byte
	IV       []byte
	MimeType string
}

// ClientCache resolves encryption keys to DRM clients, keeping the most
// recently used handles alive across segment requests.
type ClientCache struct {
	mu      sync.Mutex
	factory ClientFactory
	cache   *lru.Cache[string, Entry]
}

// NewClientCache creates a cache of the given capacity around the host
// factory.
func NewClientCache(factory ClientFactory, size int) (*ClientCache, error) {
	if size < 1 {
		size = 1
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &ClientCache{factory: factory, cache: c}, nil
}

// GetClient returns the DRM client for an encryption key, creating and
// caching it on first use. A nil factory or an unsupported method is a
// hard error for the representation offering the key.
func (c *ClientCache) GetClient(key *manifest.EncryptionKey) (Entry, error) {
	if key == nil {
		return Entry{}, playlist.NewError(playlist.FacilityDRM, playlist.CodeDRMUnsupported,
			"no encryption key given")
	}

	var scheme, cipher string
	switch key.Method {
	case manifest.EncryptionAES128:
		scheme, cipher = "AES-128", "cbc7"
	case manifest.EncryptionSampleAES:
		scheme, cipher = "SAMPLE-AES", "cbcs"
	case manifest.EncryptionSampleAESCTR:
		scheme, cipher = "SAMPLE-AES", "cenc"
	default:
		return Entry{}, playlist.NewError(playlist.FacilityDRM, playlist.CodeDRMUnsupported,
			"unsupported encryption method %q", key.Method)
	}

	cacheKey := hashFields(string(key.Method), key.URI, key.KeyFormat,
		key.KeyFormatVersions, hex.EncodeToString(key.IV))

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache.Get(cacheKey); ok {
		return entry, nil
	}
	if c.factory == nil {
		return Entry{}, playlist.NewError(playlist.FacilityDRM, playlist.CodeDRMUnsupported,
			"no DRM client factory registered")
	}

	// The license URL identifies the key; its hash is the KID.
	kidSum := sha1.Sum([]byte(key.URI))
	cand := Candidate{
		Scheme:            scheme,
		Cipher:            cipher,
		KeyFormat:         key.KeyFormat,
		KeyFormatVersions: key.KeyFormatVersions,
		LicenseURL:        key.URI,
		KID:               kidSum[:],
	}
	client, err := c.factory.CreateClient(cand)
	if err != nil {
		return Entry{}, playlist.NewError(playlist.FacilityDRM, playlist.CodeDRMUnsupported,
			"no CDM supports %s/%s: %v", scheme, cipher, err)
	}

	entry := Entry{
		Client:   client,
		KID:      cand.KID,
		IV:       append([]byte(nil), key.IV...),
		MimeType: cipher,
	}
	c.cache.Add(cacheKey, entry)
	return entry, nil
}

// PaddedIV builds the implicit 16-byte IV from a media sequence number,
// used when the key declares none.
func PaddedIV(mediaSequence int64) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], uint64(mediaSequence))
	return iv
}

func hashFields(fields ...string) string {
	h := sha1.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
