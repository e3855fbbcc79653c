package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/pharmacy-assistant/agent/contract"
)

// validateArgs checks raw call arguments against a tool's declared params:
// no unknown names, every required param present, and JSON types matching.
// A null value counts as absent.
func validateArgs(params map[string]*schema.ParameterInfo, args map[string]any) error {
	var errs []error

	for _, name := range sortedKeys(args) {
		if _, ok := params[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: unknown parameter %q", contractx.ErrBadArgs, name))
		}
	}
	for _, name := range sortedKeys(params) {
		p := params[name]
		v, ok := args[name]
		if !ok || v == nil {
			if p.Required {
				errs = append(errs, fmt.Errorf("%w: %s is required", contractx.ErrBadArgs, name))
			}
			continue
		}
		if !matchesType(p.Type, v) {
			errs = append(errs, fmt.Errorf("%w: %s must be %s, got %T", contractx.ErrBadArgs, name, p.Type, v))
		}
	}
	return errors.Join(errs...)
}

func matchesType(typ schema.DataType, v any) bool {
	switch typ {
	case schema.String:
		_, ok := v.(string)
		return ok
	case schema.Integer:
		_, ok := toInt(v)
		return ok
	case schema.Number:
		switch n := v.(type) {
		case float64, float32, int, int64:
			return true
		case json.Number:
			_, err := n.Float64()
			return err == nil
		}
		return false
	case schema.Boolean:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

// toInt accepts the shapes an integer takes after JSON decoding.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func intArg(args map[string]any, name string) int {
	n, _ := toInt(args[name])
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
