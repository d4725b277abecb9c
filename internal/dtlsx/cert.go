/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dtlsx

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
)

// GenerateCertificate creates a self-signed ECDSA identity for endpoints
// whose configuration carries none.
func GenerateCertificate() (tls.Certificate, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate dtls certificate: %w", err)
	}
	return cert, nil
}

// CertFingerprint renders the sha-256 fingerprint advertised in SDP.
func CertFingerprint(cert tls.Certificate) (string, error) {
	return localCertFingerprint(cert)
}

func localCertFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", fmt.Errorf("certificate carries no DER data")
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("parse local certificate: %w", err)
	}
	return fingerprint.Fingerprint(parsed, crypto.SHA256)
}
