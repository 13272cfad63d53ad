package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
)

// Forged leaves persist as a single PEM file per cache key: the leaf and
// intermediate CERTIFICATE blocks followed by one PKCS8 PRIVATE KEY block,
// the same layout the CA uses for its own material.

func (s *Store) diskPath(cacheKey string) string {
	return filepath.Join(s.certDir, cacheKey+".pem")
}

func saveLeafFile(path string, leaf *tls.Certificate) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, der := range leaf.Certificate {
		if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return err
		}
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(leaf.PrivateKey)
	if err != nil {
		return err
	}
	return pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

func loadLeafFile(path string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var chain [][]byte
	var keyDER []byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			chain = append(chain, block.Bytes)
		case "PRIVATE KEY":
			keyDER = block.Bytes
		}
	}
	if len(chain) == 0 || keyDER == nil {
		return nil, errors.New("certstore: incomplete leaf pem")
	}

	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        parsed,
	}, nil
}
