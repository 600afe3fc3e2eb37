// Package identity mints and decodes the 63-bit identifiers used for entities
// and for other process-unique values such as schedule ids and idempotency keys.
//
// Multi-instance entities (players, guilds) pack the server id, the entity
// kind, the creation second and a per-second sequence into one integer.
// Singleton entities use serverID*1000 + kind so they can be computed without
// an allocator.
package identity

import (
	"fmt"
	"sync"
)

// ID is an entity or unique identifier.
type ID int64

// Kind is the category of an entity encoded in its ID.
type Kind uint16

// Bit layout of multi-instance entity ids.
const (
	SequenceBits = 12
	SecondBits   = 30
	KindBits     = 7
	ServerIDBits = 14

	kindShift   = SequenceBits + SecondBits
	serverShift = kindShift + KindBits

	MaxSequence = 1<<SequenceBits - 1
	MaxSecond   = 1<<SecondBits - 1
	MaxKindBits = 1<<KindBits - 1
)

// Bit layout of unique ids.
const (
	UniqueSequenceBits = 19
	ModuleBits         = 14

	uniqueSecondShift = UniqueSequenceBits
	moduleShift       = UniqueSequenceBits + SecondBits

	MaxUniqueSequence = 1<<UniqueSequenceBits - 1
	MaxModule         = 1<<ModuleBits - 1
)

// Module namespaces used by the engine itself.
const (
	ModuleTimer = 1
	ModuleSave  = 2
)

// Server id range and the threshold separating singleton ids from
// multi-instance ids. Both DecodeKind and DecodeServerID use GlobalIDCeiling.
const (
	MinServerID     = 1000
	MaxServerID     = 1<<ServerIDBits - 1
	GlobalIDCeiling = MaxServerID*1000 + 1000
)

// Kinds below KindSeparator are multi-instance; kinds above it are singletons.
const (
	KindNone      Kind = 0
	KindSeparator Kind = 128
	maxGlobalKind Kind = 999
)

var (
	kindNamesMu sync.RWMutex
	kindNames   = map[Kind]string{KindNone: "none", KindSeparator: "separator"}
)

// RegisterKindName attaches a human readable name to a kind.
func RegisterKindName(k Kind, name string) {
	kindNamesMu.Lock()
	defer kindNamesMu.Unlock()
	kindNames[k] = name
}

// String returns the registered name of the kind.
func (k Kind) String() string {
	kindNamesMu.RLock()
	name, ok := kindNames[k]
	kindNamesMu.RUnlock()
	if ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// IsGlobalKind reports whether entities of kind k are process-wide singletons.
func IsGlobalKind(k Kind) bool {
	return k > KindSeparator && k <= maxGlobalKind
}

// IsMultiKind reports whether entities of kind k are allocated per instance.
func IsMultiKind(k Kind) bool {
	return k > KindNone && k < KindSeparator
}

// IsGlobal reports whether id belongs to the singleton family.
func (id ID) IsGlobal() bool {
	return id > 0 && id < GlobalIDCeiling
}

// Kind decodes the kind, returning KindNone for invalid ids.
func (id ID) Kind() Kind {
	k, err := DecodeKind(id)
	if err != nil {
		return KindNone
	}
	return k
}

// DecodeKind returns the kind encoded in id.
func DecodeKind(id ID) (Kind, error) {
	if _, err := DecodeServerID(id); err != nil {
		return KindNone, err
	}
	if id.IsGlobal() {
		k := Kind(id % 1000)
		if !IsGlobalKind(k) {
			return KindNone, fmt.Errorf("%w: %d has singleton layout but kind %d", ErrInvalidID, id, k)
		}
		return k, nil
	}
	k := Kind((int64(id) >> kindShift) & MaxKindBits)
	if !IsMultiKind(k) {
		return KindNone, fmt.Errorf("%w: %d encodes kind %d", ErrInvalidID, id, k)
	}
	return k, nil
}

// DecodeServerID returns the server id encoded in id.
func DecodeServerID(id ID) (int, error) {
	if id <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	var serverID int
	if id.IsGlobal() {
		serverID = int(id / 1000)
	} else {
		serverID = int(int64(id) >> serverShift)
	}
	if serverID < MinServerID || serverID > MaxServerID {
		return 0, fmt.Errorf("%w: %d decodes to server %d", ErrInvalidID, id, serverID)
	}
	return serverID, nil
}

// DecodeModule returns the module encoded in a unique id.
func DecodeModule(id ID) int {
	return int(int64(id) >> moduleShift)
}

// GlobalID returns the singleton id for kind on serverID.
func GlobalID(kind Kind, serverID int) (ID, error) {
	if !IsGlobalKind(kind) {
		return 0, fmt.Errorf("%w: %d is not a singleton kind", ErrInvalidKind, kind)
	}
	if serverID < MinServerID || serverID > MaxServerID {
		return 0, fmt.Errorf("%w: %d", ErrInvalidServerID, serverID)
	}
	return ID(serverID*1000 + int(kind)), nil
}
