package tools

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// DecodeParams 解析 JSON 对象形式的调用参数。
// 数字先按 json.Number 读入，整数转为 int64，其余转为 float64，避免大整数被 float64 截断。
// 输入为 null 时返回 nil map。
func DecodeParams(r io.Reader) (map[string]any, error) {
	d := json.NewDecoder(r)
	d.UseNumber()

	var params map[string]any
	if err := d.Decode(&params); err != nil {
		return nil, err
	}
	if _, err := d.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	if _, err := ConvertNumbers(params); err != nil {
		return nil, err
	}
	return params, nil
}

// ConvertNumbers 递归地把 json.Number 转为 int64 或 float64，map 和切片原地修改
func ConvertNumbers(data any) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			converted, err := ConvertNumbers(val)
			if err != nil {
				return nil, err
			}
			v[key] = converted
		}
		return v, nil
	case []any:
		for i, val := range v {
			converted, err := ConvertNumbers(val)
			if err != nil {
				return nil, err
			}
			v[i] = converted
		}
		return v, nil
	case json.Number:
		if strings.ContainsAny(v.String(), ".eE") {
			return v.Float64()
		}
		n, err := v.Int64()
		if err != nil {
			return nil, invalidParams("integer %s is out of range", v.String())
		}
		return n, nil
	default:
		return data, nil
	}
}
