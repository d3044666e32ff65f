package codec

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// leafType 非字符串标量在线格式上携带的类型标注
type leafType string

const (
	typeInteger     leafType = "integer"
	typeFloat       leafType = "float"
	typeAtom        leafType = "atom"
	typeEmptyList   leafType = "empty-list"
	typeEmptyBinary leafType = "empty-binary"
)

// leaf 展平后的一个键值对，附带可选的线格式类型
type leaf struct {
	path  string
	value string
	typ   leafType // 普通字符串/字节值为空
}

// flattener 遍历嵌套结构，产出展平叶子集合；每个出现过带类型叶子的嵌套层
// 还会得到一条"ao-types"边车记录
type flattener struct {
	leaves []leaf
}

func flatten(value interface{}) ([]leaf, error) {
	f := &flattener{}
	if err := f.walk("", value); err != nil {
		return nil, err
	}
	return f.leaves, nil
}

// walk 下降进value。prefix是value自身的斜杠路径（根为""）。映射和序列
// 递归，标量作为叶子追加。
func (f *flattener) walk(prefix string, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		return f.walkMap(prefix, v)
	case []interface{}:
		return f.walkSlice(prefix, v)
	default:
		lf, err := scalarLeaf(prefix, value)
		if err != nil {
			return err
		}
		f.leaves = append(f.leaves, lf)
		return nil
	}
}

func (f *flattener) walkMap(prefix string, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	typesAtLayer := map[string]leafType{}
	for _, k := range keys {
		childPath := join(prefix, strings.ToLower(k))
		switch child := m[k].(type) {
		case map[string]interface{}:
			if err := f.walkMap(childPath, child); err != nil {
				return err
			}
		case []interface{}:
			// 空序列在本层折算为empty-list叶子并进入本层边车
			if len(child) == 0 {
				f.leaves = append(f.leaves, leaf{path: childPath, value: string(typeEmptyList), typ: typeEmptyList})
				typesAtLayer[strings.ToLower(k)] = typeEmptyList
				continue
			}
			if err := f.walkSlice(childPath, child); err != nil {
				return err
			}
		default:
			lf, err := scalarLeaf(childPath, child)
			if err != nil {
				return err
			}
			f.leaves = append(f.leaves, lf)
			if lf.typ != "" {
				typesAtLayer[strings.ToLower(k)] = lf.typ
			}
		}
	}
	f.emitTypesSidecar(prefix, typesAtLayer)
	return nil
}

func (f *flattener) walkSlice(prefix string, s []interface{}) error {
	if len(s) == 0 {
		f.leaves = append(f.leaves, leaf{path: prefix, value: string(typeEmptyList), typ: typeEmptyList})
		return nil
	}
	typesAtLayer := map[string]leafType{}
	for i, child := range s {
		idx := strconv.Itoa(i)
		childPath := join(prefix, idx)
		switch c := child.(type) {
		case map[string]interface{}:
			if err := f.walkMap(childPath, c); err != nil {
				return err
			}
		case []interface{}:
			if len(c) == 0 {
				f.leaves = append(f.leaves, leaf{path: childPath, value: string(typeEmptyList), typ: typeEmptyList})
				typesAtLayer[idx] = typeEmptyList
				continue
			}
			if err := f.walkSlice(childPath, c); err != nil {
				return err
			}
		default:
			lf, err := scalarLeaf(childPath, child)
			if err != nil {
				return err
			}
			f.leaves = append(f.leaves, lf)
			if lf.typ != "" {
				typesAtLayer[idx] = lf.typ
			}
		}
	}
	f.emitTypesSidecar(prefix, typesAtLayer)
	return nil
}

func (f *flattener) emitTypesSidecar(prefix string, types map[string]leafType) {
	if len(types) == 0 {
		return
	}
	keys := make([]string, 0, len(types))
	for k := range types {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, types[k]))
	}
	f.leaves = append(f.leaves, leaf{path: join(prefix, "ao-types"), value: strings.Join(parts, ",")})
}

// scalarLeaf 把单个标量转成叶子；线格式无法表示的值直接使整次编码失败
func scalarLeaf(path string, value interface{}) (leaf, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return leaf{path: path, value: string(typeEmptyBinary), typ: typeEmptyBinary}, nil
		}
		return leaf{path: path, value: v}, nil
	case []byte:
		if len(v) == 0 {
			return leaf{path: path, value: string(typeEmptyBinary), typ: typeEmptyBinary}, nil
		}
		return leaf{path: path, value: string(v)}, nil
	case bool:
		if v {
			return leaf{path: path, value: "true", typ: typeAtom}, nil
		}
		return leaf{path: path, value: "false", typ: typeAtom}, nil
	case int:
		return leaf{path: path, value: strconv.Itoa(v), typ: typeInteger}, nil
	case int64:
		return leaf{path: path, value: strconv.FormatInt(v, 10), typ: typeInteger}, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return leaf{}, &EncodeError{Path: path, Err: fmt.Errorf("%w: %v", ErrUnrepresentableLeaf, v)}
		}
		if v == float64(int64(v)) {
			return leaf{path: path, value: strconv.FormatInt(int64(v), 10), typ: typeInteger}, nil
		}
		return leaf{path: path, value: strconv.FormatFloat(v, 'g', -1, 64), typ: typeFloat}, nil
	case nil:
		return leaf{path: path, value: "null", typ: typeAtom}, nil
	default:
		return leaf{}, &EncodeError{Path: path, Err: fmt.Errorf("%w: %T", ErrUnrepresentableLeaf, value)}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
