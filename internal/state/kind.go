package state

import "fmt"

// Kind selects the storage strategy behind a VariableState.
type Kind int

const (
	KindDoubleBuffer Kind = iota
	KindSingleBuffer
	KindKVCache
)

func (k Kind) String() string {
	switch k {
	case KindDoubleBuffer:
		return "double_buffer"
	case KindSingleBuffer:
		return "single_buffer"
	case KindKVCache:
		return "kv_cache"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "double_buffer", "double":
		return KindDoubleBuffer, nil
	case "single_buffer", "single":
		return KindSingleBuffer, nil
	case "kv_cache", "kv":
		return KindKVCache, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}
