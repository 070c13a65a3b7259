// Package archive stores immutable bundle bytes under content addresses.
//
// Every backend is idempotent: putting identical bytes twice returns the same
// address and stores one copy. Backend failures surface as apperr Archival
// errors; unknown addresses as NotFound.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ehr/recordvault/pkg/apperr"
)

// AddressPrefix marks addresses computed locally from the sha256 of the bytes.
const AddressPrefix = "sha256:"

// Archiver is the archival collaborator.
type Archiver interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
}

// ContentAddress returns the local content address of data.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return AddressPrefix + hex.EncodeToString(sum[:])
}

// verifyAddress checks that data hashes to a sha256 address. Addresses of
// other schemes (IPFS CIDs) are trusted to the backend.
func verifyAddress(address string, data []byte) error {
	if !strings.HasPrefix(address, AddressPrefix) {
		return nil
	}
	if ContentAddress(data) != address {
		return apperr.Newf(apperr.KindIntegrity, "archive.Get", "content does not match address %s", address)
	}
	return nil
}

func archivalError(op string, err error) error {
	return apperr.Wrap(apperr.KindArchival, op, err)
}
