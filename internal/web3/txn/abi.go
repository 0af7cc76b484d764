package txn

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ParseABI decodes a contract ABI from its JSON form.
func ParseABI(abiJSON string) (abi.ABI, error) {
	if strings.TrimSpace(abiJSON) == "" {
		return abi.ABI{}, errors.New("ABI 不能为空")
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	return parsed, nil
}

// Method looks up a function by name. Overloads resolve by argument count when
// the plain name is ambiguous.
func Method(contract abi.ABI, name string, argc int) (abi.Method, error) {
	if m, ok := contract.Methods[name]; ok && len(m.Inputs) == argc {
		return m, nil
	}
	for _, m := range contract.Methods {
		if m.RawName == name && len(m.Inputs) == argc {
			return m, nil
		}
	}
	if m, ok := contract.Methods[name]; ok {
		return abi.Method{}, fmt.Errorf("函数 %s 需要 %d 个参数，实际提供 %d 个", name, len(m.Inputs), argc)
	}
	return abi.Method{}, fmt.Errorf("ABI 中不存在函数 %s", name)
}

// PackCall encodes a function call with JSON-decoded arguments.
func PackCall(contract abi.ABI, function string, args []any) ([]byte, abi.Method, error) {
	method, err := Method(contract, function, len(args))
	if err != nil {
		return nil, abi.Method{}, err
	}
	values, err := CoerceArgs(method.Inputs, args)
	if err != nil {
		return nil, abi.Method{}, fmt.Errorf("函数 %s 参数错误: %w", function, err)
	}
	packed, err := contract.Pack(method.Name, values...)
	if err != nil {
		return nil, abi.Method{}, fmt.Errorf("编码函数 %s 调用失败: %w", function, err)
	}
	return packed, method, nil
}

// PackConstructor encodes constructor arguments to append to creation bytecode.
func PackConstructor(contract abi.ABI, args []any) ([]byte, error) {
	if len(contract.Constructor.Inputs) == 0 {
		return nil, nil
	}
	values, err := CoerceArgs(contract.Constructor.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("构造函数参数错误: %w", err)
	}
	return contract.Pack("", values...)
}

// CoerceArgs converts loosely typed JSON values into the Go types abi.Pack expects.
func CoerceArgs(inputs abi.Arguments, raw []any) ([]any, error) {
	if len(inputs) != len(raw) {
		return nil, fmt.Errorf("需要 %d 个参数，实际提供 %d 个", len(inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, input := range inputs {
		v, err := coerce(input.Type, raw[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("参数 %s (%s): %w", name, input.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func coerce(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := ParseBigInt(v)
		if err != nil {
			return nil, err
		}
		return sizedInt(t, n)
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "1":
				return true, nil
			case "false", "0":
				return false, nil
			}
		}
		return nil, fmt.Errorf("无法解析布尔值 %v", v)
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case abi.AddressTy:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(strings.TrimSpace(s)) {
			return nil, fmt.Errorf("无效的地址 %v", v)
		}
		return common.HexToAddress(strings.TrimSpace(s)), nil
	case abi.BytesTy:
		return decodeHex(v)
	case abi.FixedBytesTy:
		b, err := decodeHex(v)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("字节长度 %d 超过 bytes%d", len(b), t.Size)
		}
		arr := reflect.New(t.GetType()).Elem()
		for i, c := range b {
			arr.Index(i).SetUint(uint64(c))
		}
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("需要数组，实际为 %T", v)
		}
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return nil, fmt.Errorf("需要 %d 个元素，实际为 %d 个", t.Size, len(items))
		}
		var container reflect.Value
		if t.T == abi.SliceTy {
			container = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			container = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			ev, err := coerce(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("第 %d 个元素: %w", i, err)
			}
			container.Index(i).Set(reflect.ValueOf(ev))
		}
		return container.Interface(), nil
	case abi.TupleTy:
		return coerceTuple(t, v)
	default:
		return nil, fmt.Errorf("暂不支持的参数类型 %s", t.String())
	}
}

func coerceTuple(t abi.Type, v any) (any, error) {
	st := reflect.New(t.GetType()).Elem()
	switch fields := v.(type) {
	case []any:
		if len(fields) != len(t.TupleElems) {
			return nil, fmt.Errorf("结构体需要 %d 个字段，实际为 %d 个", len(t.TupleElems), len(fields))
		}
		for i, elem := range t.TupleElems {
			fv, err := coerce(*elem, fields[i])
			if err != nil {
				return nil, fmt.Errorf("字段 %s: %w", t.TupleRawNames[i], err)
			}
			st.Field(i).Set(reflect.ValueOf(fv))
		}
	case map[string]any:
		for i, elem := range t.TupleElems {
			raw, ok := fields[t.TupleRawNames[i]]
			if !ok {
				return nil, fmt.Errorf("缺少字段 %s", t.TupleRawNames[i])
			}
			fv, err := coerce(*elem, raw)
			if err != nil {
				return nil, fmt.Errorf("字段 %s: %w", t.TupleRawNames[i], err)
			}
			st.Field(i).Set(reflect.ValueOf(fv))
		}
	default:
		return nil, fmt.Errorf("结构体参数需要对象或数组，实际为 %T", v)
	}
	return st.Interface(), nil
}

func sizedInt(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("uint%d 不能为负数", t.Size)
	}
	if !fits(t, n) {
		return nil, fmt.Errorf("数值 %s 超出 %s 范围", n.String(), t.String())
	}
	target := t.GetType()
	if target.Kind() == reflect.Ptr {
		return new(big.Int).Set(n), nil
	}
	rv := reflect.New(target).Elem()
	if t.T == abi.UintTy {
		rv.SetUint(n.Uint64())
	} else {
		if !n.IsInt64() || rv.OverflowInt(n.Int64()) {
			return nil, fmt.Errorf("数值 %s 超出 %s 范围", n.String(), t.String())
		}
		rv.SetInt(n.Int64())
	}
	return rv.Interface(), nil
}

// fits 检查 n 是否落在类型的取值范围内；有符号类型按补码计算，
// intN 的范围是 [-2^(N-1), 2^(N-1)-1]。
func fits(t abi.Type, n *big.Int) bool {
	if t.T == abi.UintTy {
		return n.BitLen() <= t.Size
	}
	bound := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	if n.Sign() < 0 {
		return new(big.Int).Neg(n).Cmp(bound) <= 0
	}
	return n.Cmp(bound) < 0
}

// ParseBigInt accepts decimal or 0x-prefixed strings, json.Number and integral
// numbers. Non-integral floats are rejected.
func ParseBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case nil:
		return nil, errors.New("缺少数值")
	case *big.Int:
		return new(big.Int).Set(n), nil
	case json.Number:
		return parseIntString(n.String())
	case string:
		return parseIntString(n)
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != float64(int64(n)) || n > 1<<53 || n < -(1<<53) {
			return nil, fmt.Errorf("数值 %v 不是可精确表示的整数，请使用字符串", n)
		}
		return big.NewInt(int64(n)), nil
	default:
		return nil, fmt.Errorf("无法解析整数 %v (%T)", v, v)
	}
}

func parseIntString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = n.SetString(s[2:], 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok {
		return nil, fmt.Errorf("无法解析整数 %q", s)
	}
	return n, nil
}

func decodeHex(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("字节参数需要十六进制字符串，实际为 %T", v)
	}
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("无效的十六进制数据: %w", err)
	}
	return b, nil
}

// FormatValues renders unpacked ABI outputs into JSON-friendly values:
// integers become decimal strings, addresses and bytes become hex.
func FormatValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = formatValue(reflect.ValueOf(v))
	}
	return out
}

func formatValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch val := v.Interface().(type) {
	case *big.Int:
		if val == nil {
			return "0"
		}
		return val.String()
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case []byte:
		return "0x" + hex.EncodeToString(val)
	}
	switch v.Kind() {
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			for i := range b {
				b[i] = byte(v.Index(i).Uint())
			}
			return "0x" + hex.EncodeToString(b)
		}
		fallthrough
	case reflect.Slice:
		items := make([]any, v.Len())
		for i := range items {
			items[i] = formatValue(v.Index(i))
		}
		return items
	case reflect.Struct:
		fields := make(map[string]any, v.NumField())
		for i := 0; i < v.NumField(); i++ {
			fields[v.Type().Field(i).Name] = formatValue(v.Field(i))
		}
		return fields
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%d", v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%d", v.Uint())
	}
	return v.Interface()
}
