package ledgertest

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// argKinds lists the Move parameter types of the entry functions the fake
// accepts, used to re-encode JSON arguments as BCS.
var argKinds = map[string][]string{
	"create_universe": {"string"},
	"add_scenario":    {"u64", "string", "string", "string", "string", "string"},
	"seal_universe":   {"u64", "string"},
}

var (
	rawTransactionPrefix = sum3("APTOS::RawTransaction")
	transactionPrefix    = sum3("APTOS::Transaction")
)

// RawTransactionPrefix returns sha3-256("APTOS::RawTransaction"), the first
// 32 bytes of every signing message.
func RawTransactionPrefix() []byte { return append([]byte(nil), rawTransactionPrefix...) }

func sum3(s string) []byte {
	h := sha3.Sum256([]byte(s))
	return h[:]
}

// rawTransaction rebuilds the BCS encoding of the submitted transaction the
// way a fullnode does before checking its signature.
func rawTransaction(tx unsignedTx, chainID uint8) ([]byte, error) {
	i := strings.Index(tx.Payload.Function, "::")
	j := strings.LastIndex(tx.Payload.Function, "::")
	if i < 0 || i == j {
		return nil, fmt.Errorf("malformed function %q", tx.Payload.Function)
	}
	moduleAddr, module, fn := tx.Payload.Function[:i], tx.Payload.Function[i+2:j], tx.Payload.Function[j+2:]
	kinds, ok := argKinds[fn]
	if !ok {
		return nil, fmt.Errorf("unknown entry function %q", fn)
	}
	if len(tx.Payload.Arguments) != len(kinds) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", fn, len(kinds), len(tx.Payload.Arguments))
	}

	var b bytes.Buffer
	if err := writeAddress(&b, tx.Sender); err != nil {
		return nil, err
	}
	if err := writeU64String(&b, tx.SequenceNumber); err != nil {
		return nil, err
	}
	writeUleb(&b, 2) // TransactionPayload::EntryFunction
	if err := writeAddress(&b, moduleAddr); err != nil {
		return nil, err
	}
	writeStr(&b, module)
	writeStr(&b, fn)
	writeUleb(&b, 0) // no type arguments
	writeUleb(&b, uint64(len(kinds)))
	for n, kind := range kinds {
		s, ok := tx.Payload.Arguments[n].(string)
		if !ok {
			return nil, fmt.Errorf("argument %d of %s is not a string", n, fn)
		}
		var arg bytes.Buffer
		switch kind {
		case "u64":
			if err := writeU64String(&arg, s); err != nil {
				return nil, err
			}
		default:
			writeStr(&arg, s)
		}
		writeUleb(&b, uint64(arg.Len()))
		b.Write(arg.Bytes())
	}
	for _, v := range []string{tx.MaxGasAmount, tx.GasUnitPrice, tx.ExpirationTimestampSecs} {
		if err := writeU64String(&b, v); err != nil {
			return nil, err
		}
	}
	b.WriteByte(chainID)
	return b.Bytes(), nil
}

// transactionHash hashes a signed single-key transaction.
func transactionHash(raw []byte, pub ed25519.PublicKey, sig []byte) string {
	var b bytes.Buffer
	b.Write(transactionPrefix)
	writeUleb(&b, 0) // Transaction::UserTransaction
	b.Write(raw)
	writeUleb(&b, 0) // TransactionAuthenticator::Ed25519
	writeUleb(&b, uint64(len(pub)))
	b.Write(pub)
	writeUleb(&b, uint64(len(sig)))
	b.Write(sig)
	h := sha3.Sum256(b.Bytes())
	return "0x" + hex.EncodeToString(h[:])
}

func writeAddress(b *bytes.Buffer, addr string) error {
	s := strings.TrimPrefix(strings.ToLower(addr), "0x")
	if len(s) > 64 {
		return fmt.Errorf("address %q too long", addr)
	}
	raw, err := hex.DecodeString(strings.Repeat("0", 64-len(s)) + s)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	b.Write(raw)
	return nil
}

func writeU64String(b *bytes.Buffer, s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("u64 %q: %w", s, err)
	}
	_ = binary.Write(b, binary.LittleEndian, v)
	return nil
}

func writeStr(b *bytes.Buffer, s string) {
	writeUleb(b, uint64(len(s)))
	b.WriteString(s)
}

func writeUleb(b *bytes.Buffer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	b.Write(buf[:n])
}
