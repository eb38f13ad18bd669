package cel

import (
	"net/netip"
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

// NewEnvironment returns the CEL environment predicate expressions compile
// against. Two variables are declared: fields (the evaluation context) and
// args (the leaf's arguments), both map(string, dyn). Besides the strings and
// sets extensions it adds:
//
//	glob(pattern, s)              shell-style match
//	ip_in_cidr(ip, cidr)          e.g. ip_in_cidr(fields.source_ip, "10.0.0.0/8")
//	field_or(fields, key, dflt)   lookup with a fallback
func NewEnvironment() (*cel.Env, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		cel.Variable("fields", dynMap),
		cel.Variable("args", dynMap),
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(globMatch))),
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(ipInCIDR))),
		cel.Function("field_or",
			cel.Overload("field_or_map_string_dyn",
				[]*cel.Type{dynMap, cel.StringType, cel.DynType}, cel.DynType,
				cel.FunctionBinding(fieldOr))),
	)
}

func globMatch(pattern, s ref.Val) ref.Val {
	p, ok := pattern.Value().(string)
	if !ok {
		return types.False
	}
	v, ok := s.Value().(string)
	if !ok {
		return types.False
	}
	matched, err := filepath.Match(p, v)
	return types.Bool(err == nil && matched)
}

// ipInCIDR is false for anything unparseable rather than an error, so a
// malformed context value reads as "not in range".
func ipInCIDR(ip, cidr ref.Val) ref.Val {
	ipStr, _ := ip.Value().(string)
	cidrStr, _ := cidr.Value().(string)
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return types.False
	}
	prefix, err := netip.ParsePrefix(cidrStr)
	if err != nil {
		return types.False
	}
	return types.Bool(prefix.Contains(addr.Unmap()))
}

func fieldOr(args ...ref.Val) ref.Val {
	m, ok := args[0].(traits.Mapper)
	if !ok {
		return args[2]
	}
	if v, found := m.Find(args[1]); found {
		return v
	}
	return args[2]
}
