package processor

import (
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// encodeKey renders an account key as base58. Keys of unexpected length are
// still encoded verbatim rather than padded.
func encodeKey(b []byte) string {
	if len(b) == solana.PublicKeyLength {
		return solana.PublicKeyFromBytes(b).String()
	}
	return base58.Encode(b)
}

func encodeSignature(b []byte) string {
	var sig solana.Signature
	if len(b) == len(sig) {
		copy(sig[:], b)
		return sig.String()
	}
	return base58.Encode(b)
}
