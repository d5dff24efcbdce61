package crypt

import "github.com/zeebo/blake3"

// pubkeyDomainKey is the BLAKE3 keyed-hashing domain for pubkey
// fingerprints. Fixed constant; changing it invalidates every stored
// fingerprint and trusted-root entry. ASCII so it reads in hex dumps.
var pubkeyDomainKey = [32]byte{
	'e', 'n', 'v', 'k', 'e', 'y', '.', 'p', 'u', 'b', 'k', 'e', 'y', '.',
	'v', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint computes the domain-separated BLAKE3 digest of a pubkey.
// The sign key is hashed before the box key; the ordering is part of the
// fingerprint format.
func Fingerprint(pub Pubkey) Digest {
	h, err := blake3.NewKeyed(pubkeyDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong-length key, which is impossible
		// with a fixed 32-byte constant.
		panic(err)
	}
	_, _ = h.Write(pub.SignKey[:])
	_, _ = h.Write(pub.BoxKey[:])
	var d Digest
	h.Digest().Read(d[:])
	return d
}
