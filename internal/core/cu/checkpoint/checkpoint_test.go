package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/compute-unit/pkg/types"
)

func TestHash_PlainMemory(t *testing.T) {
	payload := []byte("process linear memory")
	want := sha256.Sum256(payload)

	got, err := Hash(bytes.NewReader(payload), types.MemoryEncodingNone)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestHash_GzipMemoryMatchesPlainHash(t *testing.T) {
	payload := []byte("process linear memory")
	want := sha256.Sum256(payload)

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	// gzip编码的内存先解码再哈希，摘要与明文一致
	got, err := Hash(bytes.NewReader(compressed.Bytes()), types.MemoryEncodingGzip)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestHash_EmptyEncodingTreatedAsNone(t *testing.T) {
	payload := []byte("x")
	want := sha256.Sum256(payload)

	got, err := Hash(bytes.NewReader(payload), "")
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestHash_UnsupportedEncoding(t *testing.T) {
	_, err := Hash(bytes.NewReader([]byte("x")), "zstd")
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestLimitPredicates(t *testing.T) {
	limits := Limits{MemoryLimitPages: 100, ComputeLimit: 1000}

	require.False(t, ExceedsMaxMemory(100, limits))
	require.True(t, ExceedsMaxMemory(101, limits))
	require.False(t, ExceedsMaxCompute(1000, limits))
	require.True(t, ExceedsMaxCompute(1001, limits))
}
