package inspector

import (
	"encoding/binary"
	"hash"
	"sort"

	"github.com/0xsequence/ethkit/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// FingerprintOptions controls which parts of the touched-state set enter
// the post-state fingerprint.
type FingerprintOptions struct {
	// IncludeTransientStorage folds EIP-1153 transient slots into the
	// digest. Defaults to true; exposed so researchers can measure the
	// effect on STATE_ROOT divergence rates.
	IncludeTransientStorage bool
}

// DefaultFingerprintOptions returns the default fingerprinting choices.
func DefaultFingerprintOptions() FingerprintOptions {
	return FingerprintOptions{IncludeTransientStorage: true}
}

// Fingerprint computes the canonical keccak256 digest of the touched-state
// set: accounts sorted by address, each contributing
// (address, balance, nonce, code_hash) followed by its touched slots in
// sorted key order.
func Fingerprint(touched []TouchedAccount, opts FingerprintOptions) common.Hash {
	sorted := make([]TouchedAccount, len(touched))
	copy(sorted, touched)

	sort.Slice(sorted, func(i, j int) bool {
		return addressLess(sorted[i].Address, sorted[j].Address)
	})

	h := sha3.NewLegacyKeccak256()

	var scratch [8]byte

	for i := range sorted {
		acct := &sorted[i]

		h.Write(acct.Address.Bytes())

		if acct.Balance != nil {
			b := acct.Balance.Bytes32()
			h.Write(b[:])
		} else {
			var zero [32]byte
			h.Write(zero[:])
		}

		binary.BigEndian.PutUint64(scratch[:], acct.Nonce)
		h.Write(scratch[:])
		h.Write(acct.CodeHash.Bytes())

		writeSlots(h, acct.Slots)

		if opts.IncludeTransientStorage {
			writeSlots(h, acct.Transient)
		}
	}

	var out common.Hash

	h.Sum(out[:0])

	return out
}

func writeSlots(h hash.Hash, slots map[common.Hash]common.Hash) {
	if len(slots) == 0 {
		return
	}

	keys := make([]common.Hash, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return hashLess(keys[i], keys[j])
	})

	for _, k := range keys {
		v := slots[k]
		h.Write(k.Bytes())
		h.Write(v.Bytes())
	}
}

func addressLess(a, b common.Address) bool {
	for i := 0; i < common.AddressLength; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}

func hashLess(a, b common.Hash) bool {
	for i := 0; i < common.HashLength; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}
