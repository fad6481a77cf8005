package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Minimal ABI codec covering the handful of contract methods the gateway
// uses: static words (uint, bool, address) plus dynamic strings on the
// encode side, uint and string[] on the decode side.

const wordSize = 32

// Selector returns the 4-byte function selector for a canonical signature.
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// Arg is one encoded call argument.
type Arg struct {
	dynamic bool
	head    []byte // static word
	tail    []byte // packed dynamic data
}

// StringArg encodes a dynamic string argument.
func StringArg(s string) Arg {
	data := []byte(s)
	tail := make([]byte, 0, wordSize+padded(len(data)))
	tail = append(tail, uintWord(uint64(len(data)))...)
	tail = append(tail, data...)
	tail = append(tail, make([]byte, padded(len(data))-len(data))...)
	return Arg{dynamic: true, tail: tail}
}

// BoolArg encodes a bool argument.
func BoolArg(b bool) Arg {
	w := make([]byte, wordSize)
	if b {
		w[wordSize-1] = 1
	}
	return Arg{head: w}
}

// UintArg encodes an unsigned integer argument of any uintN width.
func UintArg(v *big.Int) Arg {
	w := make([]byte, wordSize)
	if v != nil {
		v.FillBytes(w)
	}
	return Arg{head: w}
}

// Uint64Arg encodes a uint64 argument.
func Uint64Arg(v uint64) Arg { return UintArg(new(big.Int).SetUint64(v)) }

// AddressArg encodes a 20-byte address argument from its hex form.
func AddressArg(address string) (Arg, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(address), "0x"))
	if err != nil || len(raw) != 20 {
		return Arg{}, fmt.Errorf("invalid address %q", address)
	}
	w := make([]byte, wordSize)
	copy(w[wordSize-20:], raw)
	return Arg{head: w}, nil
}

// EncodeCall builds hex calldata for a signature and its arguments.
func EncodeCall(signature string, args ...Arg) string {
	headSize := wordSize * len(args)
	heads := make([]byte, 0, headSize)
	var tails []byte
	for _, a := range args {
		if a.dynamic {
			heads = append(heads, uintWord(uint64(headSize+len(tails)))...)
			tails = append(tails, a.tail...)
			continue
		}
		heads = append(heads, a.head...)
	}
	data := append(Selector(signature), heads...)
	data = append(data, tails...)
	return "0x" + hex.EncodeToString(data)
}

// DecodeUint decodes a single unsigned integer return value.
func DecodeUint(hexData string) (*big.Int, error) {
	raw, err := returnData(hexData)
	if err != nil {
		return nil, err
	}
	if len(raw) < wordSize {
		return nil, fmt.Errorf("return data too short for uint: %d bytes", len(raw))
	}
	return new(big.Int).SetBytes(raw[:wordSize]), nil
}

// DecodeStringSlice decodes a string[] return value.
func DecodeStringSlice(hexData string) ([]string, error) {
	raw, err := returnData(hexData)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	arrOff, err := wordAt(raw, 0)
	if err != nil {
		return nil, err
	}
	length, err := wordAt(raw, arrOff)
	if err != nil {
		return nil, err
	}
	base := arrOff + wordSize
	out := make([]string, 0, length)
	for i := uint64(0); i < length; i++ {
		elemOff, err := wordAt(raw, base+i*wordSize)
		if err != nil {
			return nil, err
		}
		strLen, err := wordAt(raw, base+elemOff)
		if err != nil {
			return nil, err
		}
		start := base + elemOff + wordSize
		if start+strLen > uint64(len(raw)) {
			return nil, fmt.Errorf("string element %d out of bounds", i)
		}
		out = append(out, string(raw[start:start+strLen]))
	}
	return out, nil
}

// revertSelector is Error(string).
var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// DecodeRevertReason extracts the reason string from Error(string) revert
// data. ok is false when the data is not a standard revert payload.
func DecodeRevertReason(hexData string) (reason string, ok bool) {
	raw, err := returnData(hexData)
	if err != nil || len(raw) < 4+2*wordSize {
		return "", false
	}
	if string(raw[:4]) != string(revertSelector) {
		return "", false
	}
	body := raw[4:]
	off, err := wordAt(body, 0)
	if err != nil {
		return "", false
	}
	strLen, err := wordAt(body, off)
	if err != nil || off+wordSize+strLen > uint64(len(body)) {
		return "", false
	}
	return string(body[off+wordSize : off+wordSize+strLen]), true
}

func returnData(hexData string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(hexData), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid return data: %w", err)
	}
	return raw, nil
}

func wordAt(raw []byte, offset uint64) (uint64, error) {
	if offset+wordSize > uint64(len(raw)) {
		return 0, fmt.Errorf("abi word at %d out of bounds", offset)
	}
	v := new(big.Int).SetBytes(raw[offset : offset+wordSize])
	if !v.IsUint64() {
		return 0, fmt.Errorf("abi word at %d overflows uint64", offset)
	}
	return v.Uint64(), nil
}

func uintWord(v uint64) []byte {
	w := make([]byte, wordSize)
	new(big.Int).SetUint64(v).FillBytes(w)
	return w
}

func padded(n int) int {
	if n%wordSize == 0 {
		return n
	}
	return n + wordSize - n%wordSize
}
