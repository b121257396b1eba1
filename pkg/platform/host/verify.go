package host

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Sub-codes of BadSignerCert.
const (
	subCertRead uint32 = iota + 1
	subCertDecode
	subCertKey
)

// verifySignature checks an ECDSA P-256 SHA-256 signature over image with
// the public key of the PEM certificate at certPath.
func verifySignature(image, sig []byte, certPath string) error {
	pub, err := signerKey(certPath)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(image)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return errcode.Errorf(errcode.SignatureCheckFailed, "signature does not match %s", certPath)
	}
	return nil
}

func signerKey(certPath string) (*ecdsa.PublicKey, error) {
	raw, err := ioutil.ReadFile(certPath)
	if err != nil {
		return nil, errcode.Wrap(errcode.New(errcode.BadSignerCert, subCertRead), errcode.BadSignerCert, err.Error())
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errcode.Wrap(errcode.New(errcode.BadSignerCert, subCertDecode), errcode.BadSignerCert, certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errcode.Wrap(errcode.New(errcode.BadSignerCert, subCertDecode), errcode.BadSignerCert, err.Error())
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errcode.New(errcode.BadSignerCert, subCertKey)
	}
	return pub, nil
}
