// Package decoder implements the Log Decoder (C2): it turns a raw chain log
// into a canonical event ready for the Event Store, using the Schema
// Registry (C1) to recover the ABI event descriptor from the log's address
// and topic0.
package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vocdoni/chainindex/internal/schema"
	"github.com/vocdoni/chainindex/internal/store"
)

// ErrMissingContext is returned when a log's address is not registered, or
// its topic0 does not match any known event descriptor.
var ErrMissingContext = errors.New("decoder: no schema context for log")

// RawLog is the chain-agnostic shape the decoder consumes. It mirrors the
// fields of go-ethereum's core/types.Log that decoding actually needs.
type RawLog struct {
	Address         common.Address
	Topics          []common.Hash
	Data            []byte
	BlockNumber     uint64
	TransactionHash common.Hash
	Index           uint
}

// Decode converts one raw log into a pending event using the registry's
// schema for the log's contract and topic0. It returns ErrMissingContext if
// either lookup fails, per the two-step dispatch rule: first confirm the
// address is registered, then resolve the topic0 within that schema.
func Decode(logEntry RawLog, registry *schema.Registry) (store.PendingEvent, error) {
	if len(logEntry.Topics) == 0 {
		return store.PendingEvent{}, fmt.Errorf("%w: log has no topics", ErrMissingContext)
	}
	address := logEntry.Address.Hex()
	if !registry.ContractRegistered(address) {
		return store.PendingEvent{}, fmt.Errorf("%w: contract %s not registered", ErrMissingContext, address)
	}
	contractAddress, descriptor, ok := registry.LookupByTopic0(logEntry.Topics[0])
	if !ok {
		return store.PendingEvent{}, fmt.Errorf("%w: unknown topic0 %s", ErrMissingContext, logEntry.Topics[0].Hex())
	}
	if contractAddress != strings.ToLower(address) {
		return store.PendingEvent{}, fmt.Errorf("%w: topic0 %s belongs to %s, not %s", ErrMissingContext, logEntry.Topics[0].Hex(), contractAddress, address)
	}

	data, err := decodeEventData(descriptor, logEntry)
	if err != nil {
		return store.PendingEvent{}, fmt.Errorf("decode %s: %w", descriptor.Name(), err)
	}

	return store.PendingEvent{
		ContractAddress: address,
		EventName:       descriptor.Name(),
		BlockNumber:     int64(logEntry.BlockNumber),
		TransactionHash: logEntry.TransactionHash.Hex(),
		LogIndex:        int64(logEntry.Index),
		EventData:       data,
	}, nil
}

// DecodeMany decodes a batch of logs in order, stopping at the first error.
// Callers that want partial-batch tolerance should decode one at a time and
// handle ErrMissingContext themselves.
func DecodeMany(logs []RawLog, registry *schema.Registry) ([]store.PendingEvent, error) {
	out := make([]store.PendingEvent, 0, len(logs))
	for _, l := range logs {
		pending, err := Decode(l, registry)
		if err != nil {
			return nil, err
		}
		out = append(out, pending)
	}
	return out, nil
}

// decodeEventData produces the canonical map of field name to converted
// value: indexed params come from topics[1:], non-indexed params from the
// ABI-encoded data payload.
func decodeEventData(descriptor *schema.EventDescriptor, logEntry RawLog) (map[string]any, error) {
	params := descriptor.Params()
	out := make(map[string]any, len(params))

	indexedArgs := abi.Arguments{}
	nonIndexedArgs := abi.Arguments{}
	for _, p := range params {
		if p.Indexed {
			indexedArgs = append(indexedArgs, abi.Argument{Name: p.Name, Type: p.Type, Indexed: true})
		} else {
			nonIndexedArgs = append(nonIndexedArgs, abi.Argument{Name: p.Name, Type: p.Type})
		}
	}

	if len(logEntry.Topics)-1 != len(indexedArgs) {
		return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexedArgs), len(logEntry.Topics)-1)
	}
	for i, arg := range indexedArgs {
		value, err := decodeIndexedTopic(arg.Type, logEntry.Topics[i+1])
		if err != nil {
			return nil, fmt.Errorf("indexed param %s: %w", arg.Name, err)
		}
		out[arg.Name] = value
	}

	if len(nonIndexedArgs) > 0 {
		unpacked, err := nonIndexedArgs.Unpack(logEntry.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
		for i, arg := range nonIndexedArgs {
			out[arg.Name] = convert(arg.Type, unpacked[i])
		}
	}

	return out, nil
}

// decodeIndexedTopic converts a raw 32-byte topic slot into its canonical
// value. Dynamic types (string, bytes, slices, tuples) are only ever present
// in a topic as their keccak256 digest per the EVM log encoding rules, so
// they degrade to the raw topic hex rather than an attempted decode.
func decodeIndexedTopic(t abi.Type, topic common.Hash) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return strings.ToLower(common.HexToAddress(topic.Hex()).Hex()), nil
	case abi.BoolTy:
		return topic.Big().Sign() != 0, nil
	case abi.IntTy:
		return decodeSignedTopic(topic, t.Size), nil
	case abi.UintTy:
		return topic.Big().String(), nil
	case abi.FixedBytesTy:
		size := t.Size
		if size > common.HashLength {
			size = common.HashLength
		}
		return bytesToHex(topic.Bytes()[:size]), nil
	default:
		// string, bytes, slices, arrays, tuples: only the digest survives.
		return topic.Hex(), nil
	}
}

// decodeSignedTopic interprets a 32-byte topic as a two's-complement signed
// integer of the given bit size.
func decodeSignedTopic(topic common.Hash, bitSize int) string {
	raw := new(big.Int).SetBytes(topic.Bytes())
	signBit := new(big.Int).Lsh(big.NewInt(1), uint(bitSize-1))
	if raw.Cmp(signBit) >= 0 {
		modulus := new(big.Int).Lsh(big.NewInt(1), uint(bitSize))
		raw.Sub(raw, modulus)
	}
	return raw.String()
}

// convert maps a decoded ABI value to its canonical JSON-friendly form per
// the value-conversion rules: addresses lowercase hex, integers decimal
// strings (unbounded precision must not round-trip through JSON numbers),
// bytes hex, sequences ordered lists, tuples ordered positional lists.
func convert(t abi.Type, v any) any {
	switch t.T {
	case abi.AddressTy:
		if addr, ok := v.(common.Address); ok {
			return strings.ToLower(addr.Hex())
		}
		return fmt.Sprintf("%v", v)
	case abi.IntTy, abi.UintTy:
		return convertInteger(v)
	case abi.BoolTy:
		if b, ok := v.(bool); ok {
			return b
		}
		return v
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	case abi.BytesTy, abi.FixedBytesTy, abi.FunctionTy:
		if b, ok := v.([]byte); ok {
			return bytesToHex(b)
		}
		return bytesToHex(reflectBytes(v))
	case abi.SliceTy, abi.ArrayTy:
		return convertSequence(t, v)
	case abi.TupleTy:
		return convertTuple(t, v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// convertInteger renders any ABI integer kind (signed or unsigned, any bit
// width) as a decimal string so large values survive JSON round-tripping.
func convertInteger(v any) string {
	switch n := v.(type) {
	case *big.Int:
		return n.String()
	case int64:
		return fmt.Sprintf("%d", n)
	case uint64:
		return fmt.Sprintf("%d", n)
	case int8, int16, int32, uint8, uint16, uint32:
		return fmt.Sprintf("%d", n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func bytesToHex(b []byte) string {
	return "0x" + common.Bytes2Hex(b)
}

func reflectBytes(v any) []byte {
	if fb, ok := v.([]byte); ok {
		return fb
	}
	return nil
}

// convertSequence converts a slice/array ABI value into an ordered list of
// converted elements using the sequence's element type.
func convertSequence(t abi.Type, v any) []any {
	elemType := *t.Elem
	values := reflectSlice(v)
	out := make([]any, len(values))
	for i, elem := range values {
		out[i] = convert(elemType, elem)
	}
	return out
}

// convertTuple converts an ABI tuple into an ordered positional list,
// converting each field by its declared tuple-element type.
func convertTuple(t abi.Type, v any) []any {
	values := reflectSlice(v)
	out := make([]any, 0, len(t.TupleElems))
	for i, elemType := range t.TupleElems {
		if i >= len(values) {
			break
		}
		out = append(out, convert(*elemType, values[i]))
	}
	return out
}

// reflectSlice extracts the elements of an arbitrary slice/array/struct
// value produced by go-ethereum's ABI unpacker without requiring the caller
// to know its concrete Go type ahead of time. Tuples unpack into generated
// structs rather than slices, so both kinds are handled positionally.
func reflectSlice(v any) []any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Struct:
		out := make([]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			out[i] = rv.Field(i).Interface()
		}
		return out
	default:
		return nil
	}
}
