// Package certstore caches and mints leaf certificates signed by the
// proxy's CA, keyed by hostname and harvested upstream SANs.
package certstore

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"github.com/samber/lo"

	"github.com/kamilstanek/wiretap/cert"
	"github.com/kamilstanek/wiretap/internal/helper"
)

// maxCachedLeaves bounds the in-memory cache; evicted leaves are reminted
// (or reloaded from the cert directory) on demand.
const maxCachedLeaves = 1024

// mintableCA is the subset of cert.CA that SelfSignCA additionally exposes
// for SAN-aware minting.
type mintableCA interface {
	DummyCert(commonName string, sans ...string) (*tls.Certificate, error)
}

// Store mints and memoizes leaf certificates. Concurrent Get calls for the
// same (commonName, sans, ca) key mint exactly once, deduplicated through a
// per-key singleflight group rather than hand-rolled locking.
type Store struct {
	ca      cert.CA
	certDir string // optional on-disk cache for forged leaves

	caFingerprint string

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   *singleflight.Group

	mints atomic.Uint64

	cleanupOnce sync.Once
}

// New creates a Store that mints through ca, optionally persisting forged
// leaves under certDir (no persistence if certDir is empty).
func New(ca cert.CA, certDir string) *Store {
	return &Store{
		ca:            ca,
		certDir:       certDir,
		caFingerprint: fingerprint(ca.GetRootCA()),
		cache:         lru.New(maxCachedLeaves),
		group:         new(singleflight.Group),
	}
}

// Key identifies a memoized leaf: common name + sorted, deduplicated SAN
// set + the signing CA's fingerprint.
type Key struct {
	CommonName string
	SANs       []string
}

func (k Key) cacheKey(caFingerprint string) string {
	sans := lo.Uniq(k.SANs)
	sort.Strings(sans)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", helper.NormalizeHost(k.CommonName), caFingerprint, sans)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// MintCount reports how many times Get actually minted a certificate
// (as opposed to serving a memoized or on-disk one); exposed for tests of
// the idempotent-mint invariant.
func (s *Store) MintCount() uint64 {
	return s.mints.Load()
}

// Get returns the memoized (or newly minted) leaf certificate for k.
// Get is idempotent: repeated calls with an equal Key return byte-identical
// certificate material.
func (s *Store) Get(_ context.Context, k Key) (*tls.Certificate, error) {
	ck := k.cacheKey(s.caFingerprint)

	s.cacheMu.Lock()
	if v, ok := s.cache.Get(lru.Key(ck)); ok {
		s.cacheMu.Unlock()
		return v.(*tls.Certificate), nil
	}
	s.cacheMu.Unlock()

	val, err := s.group.Do(ck, func() (any, error) {
		// A caller that lost the cache race may arrive here after the
		// winning flight already populated the cache.
		s.cacheMu.Lock()
		if v, ok := s.cache.Get(lru.Key(ck)); ok {
			s.cacheMu.Unlock()
			return v, nil
		}
		s.cacheMu.Unlock()

		leaf, err := s.loadOrMint(k, ck)
		if err != nil {
			return nil, err
		}

		s.cacheMu.Lock()
		s.cache.Add(lru.Key(ck), leaf)
		s.cacheMu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	leaf, ok := val.(*tls.Certificate)
	if !ok {
		return nil, errors.New("certstore: cached value is not a tls.Certificate")
	}
	return leaf, nil
}

func (s *Store) loadOrMint(k Key, ck string) (*tls.Certificate, error) {
	if s.certDir != "" {
		if leaf, err := loadLeafFile(s.diskPath(ck)); err == nil {
			return leaf, nil
		}
	}

	mintable, ok := s.ca.(mintableCA)
	if !ok {
		return nil, errors.New("certstore: CA does not support SAN-aware minting")
	}
	leaf, err := mintable.DummyCert(k.CommonName, k.SANs...)
	if err != nil {
		return nil, err
	}
	s.mints.Add(1)

	if s.certDir != "" {
		// Persistence is best-effort; a minted leaf is served either way.
		_ = saveLeafFile(s.diskPath(ck), leaf)
	}
	return leaf, nil
}

// Cleanup runs at server shutdown. There is nothing the in-memory/on-disk
// cache needs to flush, since forged leaves already persisted as they were
// minted, so this only guards against a caller invoking it more than once.
func (s *Store) Cleanup() {
	s.cleanupOnce.Do(func() {})
}

func fingerprint(root *x509.Certificate) string {
	if root == nil {
		return ""
	}
	sum := sha256.Sum256(root.Raw)
	return fmt.Sprintf("%x", sum)
}
