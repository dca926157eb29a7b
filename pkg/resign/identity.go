package resign

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"go.mozilla.org/pkcs7"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Identity is the default Signer: an x509 certificate, its private key, and
// the trust chain up to the platform root.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	Chain       []*x509.Certificate

	teamID string
}

// NewIdentityFromFiles loads a signing identity from certificate and key
// files (PEM, or raw DER for certificates) plus the trusted root
// certificate. The root may be empty when the certificate file already
// carries the chain.
func NewIdentityFromFiles(certPath, keyPath, rootCertPath string) (*Identity, error) {
	cert, err := readCertificateFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing certificate: %w", err)
	}
	key, err := readPrivateKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	chain := []*x509.Certificate{cert}
	if rootCertPath != "" {
		root, err := readCertificateFile(rootCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load root certificate: %w", err)
		}
		chain = append(chain, root)
	}
	return newIdentity(cert, key, chain)
}

// NewIdentityFromP12 loads a signing identity from PKCS#12 data, including
// any CA certificates bundled alongside the signing certificate.
func NewIdentityFromP12(p12Data []byte, password string) (*Identity, error) {
	key, cert, caCerts, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	chain := append([]*x509.Certificate{cert}, caCerts...)
	return newIdentity(cert, key, chain)
}

func newIdentity(cert *x509.Certificate, key crypto.PrivateKey, chain []*x509.Certificate) (*Identity, error) {
	teamID := teamIDFromCertificate(cert)
	if teamID == "" {
		return nil, fmt.Errorf("%w: signing certificate carries no team identifier", ErrNotSignable)
	}
	return &Identity{Certificate: cert, PrivateKey: key, Chain: chain, teamID: teamID}, nil
}

// teamIDFromCertificate extracts the team identifier from the certificate
// subject. Apple places the ten-character team ID in an OU field.
func teamIDFromCertificate(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}

// TeamID returns the team identifier extracted from the certificate.
func (id *Identity) TeamID() string { return id.teamID }

// CertChain returns the certificate chain embedded into signatures.
func (id *Identity) CertChain() []*x509.Certificate { return id.Chain }

// SignCMS produces a CMS (PKCS#7) signature over data using the identity's
// key and certificate.
func (id *Identity) SignCMS(data []byte) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	key, ok := id.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", id.PrivateKey)
	}
	if err := signedData.AddSigner(id.Certificate, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	return signedData.Finish()
}

func readCertificateFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return x509.ParseCertificate(data)
}

func readPrivateKeyFile(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	return nil, fmt.Errorf("unsupported PEM type %q", block.Type)
}
