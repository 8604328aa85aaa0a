package auth

import (
	"errors"
)

// Identity is who a verified token speaks for. OwnerID scopes every job
// and ledger read.
type Identity struct {
	OwnerID string
	Email   string
	Name    string
}

// Verifier validates a bearer token.
type Verifier interface {
	Verify(tokenString string) (*Identity, error)
}

var ErrNoVerifier = errors.New("no token verifier configured")

// Chain tries each verifier in order and returns the first identity.
type Chain []Verifier

func (c Chain) Verify(tokenString string) (*Identity, error) {
	if len(c) == 0 {
		return nil, ErrNoVerifier
	}

	var errs []error
	for _, v := range c {
		id, err := v.Verify(tokenString)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
