// Package schema holds per-contract event schemas and the topic-0 dispatch
// table the decoder uses to recognize raw logs.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrSchemaInvalid is returned when a schema bundle cannot be registered.
// Registration fails atomically: on error neither the contract map nor the
// topic-0 map is mutated.
var ErrSchemaInvalid = errors.New("schema invalid")

// ParamDescriptor describes one event parameter in registration order.
type ParamDescriptor struct {
	Name    string
	Type    abi.Type
	Indexed bool
}

// EventDescriptor is the decoding descriptor for a single contract event.
type EventDescriptor struct {
	ContractAddress string
	Event           abi.Event
}

// Name returns the event's symbolic name.
func (d *EventDescriptor) Name() string { return d.Event.Name }

// Topic0 returns the event's canonical signature hash.
func (d *EventDescriptor) Topic0() common.Hash { return d.Event.ID }

// Params returns the event's fixed ordered parameter list.
func (d *EventDescriptor) Params() []ParamDescriptor {
	out := make([]ParamDescriptor, len(d.Event.Inputs))
	for i, in := range d.Event.Inputs {
		out[i] = ParamDescriptor{Name: in.Name, Type: in.Type, Indexed: in.Indexed}
	}
	return out
}

type contractBundle struct {
	abi    abi.ABI
	events map[string]*EventDescriptor
}

// topic0Entry is the value side of the registry's topic0 -> (contract, event)
// map, mirroring the shape from the component design: a global map keyed by
// topic-0 whose value names both the contract and the descriptor. Two
// contracts that happen to share an event signature collide on this key;
// the most recent registration wins, matching the map's literal shape.
type topic0Entry struct {
	contractAddress string
	descriptor       *EventDescriptor
}

// Registry maps contract addresses to their event schemas and indexes every
// known event signature by topic-0 for O(1) decoder dispatch.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*contractBundle
	byTopic0  map[common.Hash]topic0Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		contracts: make(map[string]*contractBundle),
		byTopic0:  make(map[common.Hash]topic0Entry),
	}
}

// Register parses abiJSON and installs its event schemas for contractAddress,
// replacing any prior registration for the same address. Parsing and
// validation happen entirely against local values before either map is
// touched, so a malformed bundle never partially mutates the registry.
func (r *Registry) Register(contractAddress string, abiJSON []byte) error {
	addr := strings.ToLower(strings.TrimSpace(contractAddress))
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: invalid contract address %q", ErrSchemaInvalid, contractAddress)
	}
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("%w: parse abi: %v", ErrSchemaInvalid, err)
	}
	if len(parsed.Events) == 0 {
		return fmt.Errorf("%w: abi declares no events", ErrSchemaInvalid)
	}

	events := make(map[string]*EventDescriptor, len(parsed.Events))
	topic0 := make(map[common.Hash]topic0Entry, len(parsed.Events))
	for name, ev := range parsed.Events {
		if ev.Anonymous {
			// anonymous events carry no topic-0 and are not dispatchable.
			continue
		}
		desc := &EventDescriptor{ContractAddress: addr, Event: ev}
		events[name] = desc
		topic0[ev.ID] = topic0Entry{contractAddress: addr, descriptor: desc}
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: abi declares only anonymous events", ErrSchemaInvalid)
	}

	bundle := &contractBundle{abi: parsed, events: events}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.contracts[addr]; ok {
		for _, d := range prev.events {
			if entry, ok := r.byTopic0[d.Event.ID]; ok && entry.contractAddress == addr {
				delete(r.byTopic0, d.Event.ID)
			}
		}
	}
	r.contracts[addr] = bundle
	for t0, entry := range topic0 {
		r.byTopic0[t0] = entry
	}
	return nil
}

// ContractRegistered reports whether any schema is registered for address.
func (r *Registry) ContractRegistered(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[strings.ToLower(address)]
	return ok
}

// LookupByTopic0 resolves a log's first topic to the contract and event
// descriptor that declared it.
func (r *Registry) LookupByTopic0(topic0 common.Hash) (contractAddress string, descriptor *EventDescriptor, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, found := r.byTopic0[topic0]
	if !found {
		return "", nil, false
	}
	return entry.contractAddress, entry.descriptor, true
}

// RegisteredContracts returns every registered contract address, sorted.
func (r *Registry) RegisteredContracts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.contracts))
	for addr := range r.contracts {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// EventByName returns the descriptor for a registered contract's named
// event, used by tests and by components that need to compute a topic-0
// without re-parsing the ABI.
func (r *Registry) EventByName(contractAddress, eventName string) (*EventDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bundle, ok := r.contracts[strings.ToLower(contractAddress)]
	if !ok {
		return nil, false
	}
	desc, ok := bundle.events[eventName]
	return desc, ok
}
