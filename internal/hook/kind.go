package hook

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedHookKind = errors.New("hook: unsupported hook kind")

// Kind is the host engine callback a hook is attached as.
type Kind int

const (
	Forward Kind = iota
	ForwardPre
	FullBackward
	FullBackwardPre
	Tensor
)

var kindNames = map[Kind]string{
	Forward:         "forward",
	ForwardPre:      "forward_pre",
	FullBackward:    "full_backward",
	FullBackwardPre: "full_backward_pre",
	Tensor:          "tensor",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) valid() bool {
	_, ok := kindNames[k]
	return ok
}

// arity is the positional argument count the host engine passes.
func (k Kind) arity() int {
	switch k {
	case Forward, FullBackward:
		return 3
	case ForwardPre, FullBackwardPre:
		return 2
	default:
		return 1
	}
}

func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedHookKind, s)
}
