package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func jwksDocument(kids map[string]*rsa.PublicKey) []byte {
	type jwkOut struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	var doc struct {
		Keys []jwkOut `json:"keys"`
	}
	for kid, pub := range kids {
		doc.Keys = append(doc.Keys, jwkOut{
			Kty: "RSA",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	data, _ := json.Marshal(doc)
	return data
}

func TestSigningKeyCachesFetch(t *testing.T) {
	key := testKey(t)
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(jwksDocument(map[string]*rsa.PublicKey{"kid-1": &key.PublicKey}))
	}))
	t.Cleanup(srv.Close)

	p := New(srv.URL, 10)
	ctx := context.Background()

	got, err := p.SigningKey(ctx, "kid-1")
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatal("returned key does not match served key")
	}

	if _, err := p.SigningKey(ctx, "kid-1"); err != nil {
		t.Fatalf("cached SigningKey: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected a single fetch, got %d", n)
	}
}

func TestSigningKeyUnknownKid(t *testing.T) {
	key := testKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(jwksDocument(map[string]*rsa.PublicKey{"kid-1": &key.PublicKey}))
	}))
	t.Cleanup(srv.Close)

	p := New(srv.URL, 10)
	if _, err := p.SigningKey(context.Background(), "kid-other"); !errors.Is(err, ErrKeyFetchFailed) {
		t.Fatalf("expected ErrKeyFetchFailed, got %v", err)
	}
}

func TestSigningKeyRateLimited(t *testing.T) {
	key := testKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(jwksDocument(map[string]*rsa.PublicKey{"kid-1": &key.PublicKey}))
	}))
	t.Cleanup(srv.Close)

	p := New(srv.URL, 1)
	ctx := context.Background()

	if _, err := p.SigningKey(ctx, "kid-1"); err != nil {
		t.Fatalf("first SigningKey: %v", err)
	}
	// A second miss within the same minute must fail fast, not fetch.
	if _, err := p.SigningKey(ctx, "kid-rotated"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestSigningKeyFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := New(srv.URL, 10)
	if _, err := p.SigningKey(context.Background(), "kid-1"); !errors.Is(err, ErrKeyFetchFailed) {
		t.Fatalf("expected ErrKeyFetchFailed, got %v", err)
	}
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	key := testKey(t)
	var fetches atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		_, _ = w.Write(jwksDocument(map[string]*rsa.PublicKey{"kid-1": &key.PublicKey}))
	}))
	t.Cleanup(srv.Close)

	p := New(srv.URL, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = p.SigningKey(ctx, "kid-1")
		}(i)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected one shared fetch, got %d", n)
	}
}
