package certstore_test

import (
	"context"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/kamilstanek/wiretap/cert"
	"github.com/kamilstanek/wiretap/internal/certstore"
)

func TestGetMintsOncePerKey(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	store := certstore.New(ca, "")
	key := certstore.Key{CommonName: "example.test"}

	leaf1, err := store.Get(context.Background(), key)
	c.Assert(err, qt.IsNil)
	leaf2, err := store.Get(context.Background(), key)
	c.Assert(err, qt.IsNil)

	c.Assert(leaf1.Certificate[0], qt.DeepEquals, leaf2.Certificate[0])
	c.Assert(store.MintCount(), qt.Equals, uint64(1))
}

func TestGetDifferentKeysMintSeparately(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	store := certstore.New(ca, "")

	_, err = store.Get(context.Background(), certstore.Key{CommonName: "a.test"})
	c.Assert(err, qt.IsNil)
	_, err = store.Get(context.Background(), certstore.Key{CommonName: "b.test"})
	c.Assert(err, qt.IsNil)

	c.Assert(store.MintCount(), qt.Equals, uint64(2))
}

func TestGetIsIdempotentUnderConcurrency(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	store := certstore.New(ca, "")
	key := certstore.Key{CommonName: "concurrent.test"}

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Get(context.Background(), key)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		c.Assert(err, qt.IsNil)
	}
	c.Assert(store.MintCount(), qt.Equals, uint64(1))
}

func TestGetSANOrderDoesNotAffectCacheKey(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	store := certstore.New(ca, "")

	_, err = store.Get(context.Background(), certstore.Key{CommonName: "example.test", SANs: []string{"a.test", "b.test"}})
	c.Assert(err, qt.IsNil)
	_, err = store.Get(context.Background(), certstore.Key{CommonName: "example.test", SANs: []string{"b.test", "a.test"}})
	c.Assert(err, qt.IsNil)

	c.Assert(store.MintCount(), qt.Equals, uint64(1))
}

func TestGetReloadsPersistedLeafFromDisk(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	dir := t.TempDir()
	key := certstore.Key{CommonName: "persisted.test", SANs: []string{"alt.test"}}

	first := certstore.New(ca, dir)
	leaf1, err := first.Get(context.Background(), key)
	c.Assert(err, qt.IsNil)
	c.Assert(first.MintCount(), qt.Equals, uint64(1))

	// A fresh store over the same directory serves the persisted leaf
	// without minting again.
	second := certstore.New(ca, dir)
	leaf2, err := second.Get(context.Background(), key)
	c.Assert(err, qt.IsNil)
	c.Assert(second.MintCount(), qt.Equals, uint64(0))
	c.Assert(leaf2.Certificate[0], qt.DeepEquals, leaf1.Certificate[0])
}
