package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenProof-Chain/internal/errors"
)

// Header 是标准签名串的首行字面量，任何实现都必须逐字一致。
const Header = "OpenProof Verification Request"

// absentMarker 表示“字段不存在”。Marshal 会整体跳过取值为 Absent 的键，
// 与显式 null 区分开。
type absentMarker struct{}

// Absent 是跳过键所用的哨兵值。
var Absent = absentMarker{}

// Request 描述构造标准签名串所需的全部输入。
type Request struct {
	Wallet      string
	ChainID     string
	Verifiers   []string
	Data        any
	TimestampMs int64
}

// BuildSigningString 生成六行、LF 分隔的标准签名串。
// 钱包地址统一转为小写，验证器顺序保持请求顺序。
func BuildSigningString(req Request) (string, error) {
	if strings.TrimSpace(req.Wallet) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空")
	}
	if strings.TrimSpace(req.ChainID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "链 ID 不能为空")
	}
	if len(req.Verifiers) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个验证器 ID")
	}
	if req.TimestampMs <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "时间戳必须为正整数毫秒")
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := Marshal(data)
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	builder.WriteString(Header)
	builder.WriteString("\nWallet: ")
	builder.WriteString(strings.ToLower(strings.TrimSpace(req.Wallet)))
	builder.WriteString("\nChain: ")
	builder.WriteString(strings.TrimSpace(req.ChainID))
	builder.WriteString("\nVerifiers: ")
	builder.WriteString(strings.Join(req.Verifiers, ","))
	builder.WriteString("\nData: ")
	builder.Write(encoded)
	builder.WriteString("\nTimestamp: ")
	builder.WriteString(strconv.FormatInt(req.TimestampMs, 10))
	return builder.String(), nil
}

// QHash 对标准签名串做 keccak256，返回 0x 前缀的十六进制摘要。
// 相同输入在任何实现下必须得到相同的证明标识。
func QHash(signingString string) string {
	digest := crypto.Keccak256([]byte(signingString))
	return "0x" + fmt.Sprintf("%x", digest)
}

// Marshal 输出确定性 JSON：对象键在每一层都按字典序排序，不插入任何空白，
// 数组保持原始顺序，null 按字面量输出，Absent 哨兵对应的键整体省略。
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendValue(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
	case absentMarker:
		// 只允许出现在对象取值的位置，appendObject 已提前跳过。
		return xerrors.New(xerrors.CodeInvalidArgument, "Absent 哨兵不能作为独立值序列化")
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return appendString(buf, value)
	case json.Number:
		buf.WriteString(value.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(value), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(value, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(value, 10))
	case float64:
		return appendFloat(buf, value)
	case map[string]any:
		return appendObject(buf, value)
	case []any:
		return appendArray(buf, value)
	case json.RawMessage:
		decoded, err := DecodeData(value)
		if err != nil {
			return err
		}
		return appendValue(buf, decoded)
	default:
		// 其余类型（结构体等）先落回通用 JSON 再规范化，保证键序一致。
		raw, err := json.Marshal(value)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化数据失败")
		}
		decoded, err := DecodeData(raw)
		if err != nil {
			return err
		}
		return appendValue(buf, decoded)
	}
	return nil
}

func appendObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for key, value := range obj {
		if _, skip := value.(absentMarker); skip {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendString(buf, key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := appendValue(buf, obj[key]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func appendArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// appendString 使用标准 JSON 转义但关闭 HTML 逃逸，
// 避免 <、>、& 被写成 < 一类与其他实现不一致的形式。
func appendString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	encoder := json.NewEncoder(&tmp)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(s); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "字符串转义失败")
	}
	encoded := tmp.Bytes()
	// Encoder 会追加换行。
	buf.Write(bytes.TrimRight(encoded, "\n"))
	return nil
}

func appendFloat(buf *bytes.Buffer, f float64) error {
	if f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "数值序列化失败")
	}
	buf.Write(raw)
	return nil
}

// DecodeData 按保留数字字面量的方式解析 JSON，
// 供 API 层把请求体里的 data 原样送入规范化流程。
func DecodeData(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析数据字段失败")
	}
	return decoded, nil
}
