package ledger

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/aptos-labs/aptos-go-sdk/bcs"
	"golang.org/x/crypto/sha3"
)

// signingPrefixLen is the length of the domain separator that precedes the
// BCS raw transaction in a signing message.
const signingPrefixLen = 32

// userTransactionPrefix is sha3-256("APTOS::Transaction"), the domain
// separator of transaction hashes.
var userTransactionPrefix = func() []byte {
	h := sha3.Sum256([]byte("APTOS::Transaction"))
	return h[:]
}()

// entryArg is one entry function argument in both of its encodings: the JSON
// value sent to the fullnode and the BCS bytes that are signed.
type entryArg struct {
	value any
	bcs   []byte
}

func stringArg(s string) entryArg {
	ser := &bcs.Serializer{}
	ser.WriteString(s)
	return entryArg{value: s, bcs: ser.ToBytes()}
}

func u64EntryArg(v uint64) entryArg {
	ser := &bcs.Serializer{}
	ser.U64(v)
	return entryArg{value: u64Arg(v), bcs: ser.ToBytes()}
}

// userTransactionHash computes the hash of a signed single-key transaction:
// sha3-256(prefix || Transaction::UserTransaction(raw, Ed25519 authenticator)).
func userTransactionHash(rawTxn []byte, pub ed25519.PublicKey, sig []byte) string {
	ser := &bcs.Serializer{}
	ser.FixedBytes(userTransactionPrefix)
	ser.Uleb128(0) // Transaction::UserTransaction
	ser.FixedBytes(rawTxn)
	ser.Uleb128(0) // TransactionAuthenticator::Ed25519
	ser.WriteBytes(pub)
	ser.WriteBytes(sig)
	h := sha3.Sum256(ser.ToBytes())
	return "0x" + hex.EncodeToString(h[:])
}
