package session

import (
	"github.com/danmuck/flexmodel/internal/hook"
	"github.com/danmuck/flexmodel/internal/tensor"
)

// BuiltinEditors are the editing functions config files may name.
func BuiltinEditors() map[string]hook.EditingFunc {
	return map[string]hook.EditingFunc{
		"identity": hook.DefaultEditingFunction,
		"zero": func(_ any, t *tensor.Tensor, _ *hook.SaveContext, _ hook.Components) (*tensor.Tensor, error) {
			return t.Empty(t.Device()), nil
		},
		"negate": func(_ any, t *tensor.Tensor, _ *hook.SaveContext, _ hook.Components) (*tensor.Tensor, error) {
			return t.Clone().Scale(-1), nil
		},
		"record_norm": recordNorm,
	}
}

// recordNorm stores the activation's squared L2 norm under
// "<module>.norm" in the save context without changing it.
func recordNorm(module any, t *tensor.Tensor, saveCtx *hook.SaveContext, _ hook.Components) (*tensor.Tensor, error) {
	var sum float64
	for _, v := range t.Data() {
		sum += float64(v) * float64(v)
	}
	key := "norm"
	if name, ok := module.(interface{ Name() string }); ok {
		key = name.Name() + ".norm"
	}
	saveCtx.Set(key, sum)
	return t, nil
}
