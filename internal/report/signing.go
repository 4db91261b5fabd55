package report

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// Signer signs reports with an RSA private key.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner loads the PEM-encoded RSA private key (PKCS#1 or PKCS#8) from
// file.
func NewSigner(file string) (*Signer, error) {
	key, err := loadPrivateKey(file)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// Sign computes the report's signature and returns the signed wrapper.
func (s *Signer) Sign(r Report) (SignedReport, error) {
	payload, err := canonicalBytes(r)
	if err != nil {
		return SignedReport{}, err
	}

	digest := sha256.Sum256(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return SignedReport{}, errors.Wrap(err, "signing report")
	}
	return SignedReport{
		Report:    r,
		Signature: base64.StdEncoding.EncodeToString(signature),
	}, nil
}

// Verify checks the report's signature against the public key. It fails for
// unsigned reports and for any change to the report content after signing.
func Verify(signed SignedReport, publicKey *rsa.PublicKey) error {
	if signed.Signature == "" {
		return errors.New("report is unsigned")
	}

	signature, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil {
		return errors.Wrap(err, "decoding signature")
	}
	payload, err := canonicalBytes(signed.Report)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return errors.Wrap(err, "report signature does not match its content")
	}
	return nil
}

func loadPrivateKey(file string) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key file")
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.Errorf("no PEM block in %s", file)
	}

	// Try PKCS#8 first, then PKCS#1.
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		rsaKey, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, errors.Errorf("parsing private key: not PKCS#8 (%v) or PKCS#1 (%v)", err, pkcs1Err)
		}
		return rsaKey, nil
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("private key is not RSA (got %T)", key)
	}
	return rsaKey, nil
}

// LoadPublicKey loads a PEM-encoded RSA public key (PKIX or PKCS#1) from
// file, for report verification.
func LoadPublicKey(file string) (*rsa.PublicKey, error) {
	pemData, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "reading public key file")
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.Errorf("no PEM block in %s", file)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		rsaKey, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, errors.Errorf("parsing public key: not PKIX (%v) or PKCS#1 (%v)", err, pkcs1Err)
		}
		return rsaKey, nil
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("public key is not RSA (got %T)", key)
	}
	return rsaKey, nil
}
