package util

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// GenID draws a random v4 UUID as the paste handle. Collisions are left to the store,
// which reports them as a duplicate on insert.
func GenID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return u.String(), nil
}

// CanonicalID returns the lowercase form of a handle, or false for strings that could never
// have been issued so they miss without a storage round trip.
func CanonicalID(id string) (string, bool) {
	if len(id) != 36 {
		return "", false
	}
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 4 {
		return "", false
	}
	return u.String(), true
}
