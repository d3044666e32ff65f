// Package checkpoint 内存检查点：对进程线性内存做流式内容哈希（可选gzip
// 解码），宿主内存开销与线性内存大小无关。
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/weisyn/compute-unit/pkg/types"
)

// ErrUnsupportedEncoding 配置缺陷：请求了{none, gzip}之外的编码
var ErrUnsupportedEncoding = errors.New("checkpoint: unsupported encoding")

// Hash 把内存字节经透传或gunzip变换流入SHA-256哈希器，EOF时产出hex摘要
func Hash(memory io.Reader, encoding types.MemoryEncoding) (string, error) {
	var src io.Reader
	switch encoding {
	case types.MemoryEncodingNone, "":
		src = memory
	case types.MemoryEncodingGzip:
		gz, err := gzip.NewReader(memory)
		if err != nil {
			return "", err
		}
		defer gz.Close()
		src = gz
	default:
		return "", ErrUnsupportedEncoding
	}

	h := sha256.New()
	if _, err := io.Copy(h, src); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Limits 系统级资源上限，ExceedsMaxMemory/ExceedsMaxCompute据此判定
type Limits struct {
	MemoryLimitPages uint32
	ComputeLimit     uint64
}

// ExceedsMaxMemory 报告线性内存页数是否超出系统上限
func ExceedsMaxMemory(pages uint32, limits Limits) bool {
	return pages > limits.MemoryLimitPages
}

// ExceedsMaxCompute 报告gas消耗是否超出系统上限
func ExceedsMaxCompute(gasUsed uint64, limits Limits) bool {
	return gasUsed > limits.ComputeLimit
}
