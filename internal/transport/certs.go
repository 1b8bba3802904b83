package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/internal/config"
)

// expiringWithin is when a client certificate starts being reported as
// expiring.
const expiringWithin = 30 * 24 * time.Hour

// Certificate statuses.
const (
	CertValid    = "valid"
	CertExpiring = "expiring"
	CertExpired  = "expired"
)

// CertStatus describes the client certificate used for mTLS.
type CertStatus struct {
	Subject  string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	Status   string
}

// InspectClientCert loads the configured client certificate and reports
// how long it remains valid at now.
func InspectClientCert(auth config.AuthConfig, now time.Time) (*CertStatus, error) {
	pair, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse client cert: %w", err)
	}

	left := leaf.NotAfter.Sub(now)
	cs := &CertStatus{
		Subject:  leaf.Subject.CommonName,
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC(),
		DaysLeft: int(math.Floor(left.Hours() / 24)),
	}
	switch {
	case left <= 0:
		cs.Status = CertExpired
	case left <= expiringWithin:
		cs.Status = CertExpiring
	default:
		cs.Status = CertValid
	}
	return cs, nil
}
