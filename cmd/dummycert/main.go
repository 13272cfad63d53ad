// Command dummycert mints a leaf certificate for a given common name (and
// optional SANs) signed by the local CA, printing the PEM-encoded cert and
// key for manual trust-store testing.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kamilstanek/wiretap/cert"
)

type config struct {
	commonName string
	sans       string
}

func loadConfig() *config {
	cfg := new(config)
	flag.StringVar(&cfg.commonName, "commonName", "", "server commonName")
	flag.StringVar(&cfg.sans, "sans", "", "comma-separated subjectAltName entries (defaults to commonName)")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return cfg
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	if cfg.commonName == "" {
		slog.Error("commonName required")
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("dummycert failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	caAPI, err := cert.NewSelfSignCA("")
	if err != nil {
		return err
	}
	selfSignCA, ok := caAPI.(*cert.SelfSignCA)
	if !ok {
		return fmt.Errorf("CA does not support SAN-aware minting")
	}

	var sans []string
	for _, s := range strings.Split(cfg.sans, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sans = append(sans, s)
		}
	}

	tlsCert, err := selfSignCA.DummyCert(cfg.commonName, sans...)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%v-cert.pem\n", cfg.commonName)
	if err := pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: tlsCert.Certificate[0]}); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "\n%v-key.pem\n", cfg.commonName)
	keyBytes, err := x509.MarshalPKCS8PrivateKey(tlsCert.PrivateKey)
	if err != nil {
		return err
	}
	return pem.Encode(os.Stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}
