// Package capability implements the relay's delegation tokens: a chain
// of signed capability grants, each caveat-bounded, verified as an
// ordered sequence (§4.10).
package capability

import (
	"encoding/binary"

	"aether.relay.dev/pkg/crypto"
	"aether.relay.dev/pkg/utils"
)

// Failure names why chain verification or capability enforcement failed,
// mirroring §4.10's failure modes.
type Failure string

const (
	// OK is the zero Failure: verification succeeded.
	OK             Failure = ""
	EmptyChain     Failure = "empty_chain"
	BadSignature   Failure = "bad_signature"
	NotYetValid    Failure = "not_yet_valid"
	Expired        Failure = "expired"
	UsageExceeded  Failure = "usage_exceeded"
	ChainBroken    Failure = "chain_broken"
	WrongCapability Failure = "wrong_capability"
)

// Token is a single capability grant: issuer delegates capability to
// subject, bounded by the caveats below.
type Token struct {
	TokenID    []byte
	Issuer     []byte // 32-byte Ed25519 pubkey
	Subject    []byte // 32-byte Ed25519 pubkey
	Capability string
	NotBefore  uint64
	NotAfter   uint64
	MaxUses    uint64 // 0 means unbounded
	Sig        []byte
}

// Chain is an ordered sequence of tokens, root first.
type Chain []*Token

// Usage reports how many times a token_id has already been consumed,
// keyed by the hex-free raw token id bytes as a string.
type Usage interface {
	Get(tokenID []byte) uint64
}

func appendU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// CanonicalFields returns the byte sequence token_id hashes, every field
// except Sig itself.
func (t *Token) CanonicalFields() []byte {
	b := make([]byte, 0, len(t.Issuer)+len(t.Subject)+len(t.Capability)+24)
	b = append(b, t.Issuer...)
	b = append(b, t.Subject...)
	b = append(b, []byte(t.Capability)...)
	b = appendU64(b, t.NotBefore)
	b = appendU64(b, t.NotAfter)
	b = appendU64(b, t.MaxUses)
	return b
}

// ComputeTokenID returns H(canonical fields without sig) (§4.10 step 2).
func (t *Token) ComputeTokenID() []byte {
	return crypto.Hash(t.CanonicalFields())
}

// VerifyChain checks tokens against now and usage, in the order given by
// §4.10:
//  1. An empty chain fails.
//  2. Every token's token_id is recomputed and its signature verified
//     under its issuer.
//  3. Caveats are enforced: not_before ≤ now ≤ not_after, and max_uses if
//     present.
//  4. Adjacent tokens must chain: prev.Subject == next.Issuer.
func VerifyChain(chain Chain, now uint64, usage Usage) Failure {
	if len(chain) == 0 {
		return EmptyChain
	}
	for i, t := range chain {
		tokenID := t.ComputeTokenID()
		ok, err := crypto.Verify(tokenID, t.Sig, t.Issuer)
		if err != nil || !ok {
			return BadSignature
		}
		if now < t.NotBefore {
			return NotYetValid
		}
		if now > t.NotAfter {
			return Expired
		}
		if t.MaxUses > 0 && usage != nil && usage.Get(tokenID) >= t.MaxUses {
			return UsageExceeded
		}
		if i > 0 {
			prev := chain[i-1]
			if !utils.FastEqual(prev.Subject, t.Issuer) {
				return ChainBroken
			}
		}
	}
	return OK
}

// EnforceCapability additionally requires every token in chain to carry
// exactly the required capability (§4.10 enforce_capability).
func EnforceCapability(chain Chain, required string, now uint64, usage Usage) Failure {
	if f := VerifyChain(chain, now, usage); f != OK {
		return f
	}
	for _, t := range chain {
		if t.Capability != required {
			return WrongCapability
		}
	}
	return OK
}
