package smtp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// DKIMSettings enables DKIM signing when Selector is set
type DKIMSettings struct {
	Selector   string `mapstructure:"selector"`
	Domain     string `mapstructure:"domain"`
	PrivateKey string `mapstructure:"private_key"`
	KeyPath    string `mapstructure:"key_path"`
}

// signer applies DKIM signatures to outgoing mail
type signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

var signedHeaders = []string{"from", "to", "subject", "date", "mime-version", "content-type", "message-id"}

// newSigner returns nil when DKIM is not configured
func newSigner(s DKIMSettings) (*signer, error) {
	if s.Selector == "" && s.PrivateKey == "" && s.KeyPath == "" {
		return nil, nil
	}
	if s.Selector == "" {
		return nil, errors.New("dkim: selector is required when enabling DKIM")
	}

	pemData := []byte(s.PrivateKey)
	if len(pemData) == 0 {
		if s.KeyPath == "" {
			return nil, errors.New("dkim: provide private_key or key_path")
		}
		data, err := os.ReadFile(s.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return &signer{domain: s.Domain, selector: s.Selector, key: key}, nil
}

// sign signs a CRLF message on behalf of from's domain unless a domain is configured
func (s *signer) sign(message []byte, from string) ([]byte, error) {
	if s == nil {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = domainOf(from)
	}
	if domain == "" {
		return nil, errors.New("dkim: unable to determine signing domain")
	}

	var signed bytes.Buffer
	err := msgauthdkim.Sign(&signed, bytes.NewReader(message), &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

func domainOf(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
