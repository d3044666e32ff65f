// Package store 构件存储与模块装载：有界的编译模块内存缓存，其下是
// gzip压缩的磁盘二进制库，再往下是远端网关。
package store

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// DiskStore 磁盘二进制层：一个目录下的<moduleId>.wasm.gz文件集合，写入
// 流式经过gzip编码器
type DiskStore struct {
	dir string
	log logiface.Logger
}

// NewDiskStore 按需创建二进制目录并返回DiskStore
func NewDiskStore(dir string, log logiface.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir, log: log}, nil
}

func (s *DiskStore) path(moduleID types.ModuleId) string {
	return filepath.Join(s.dir, string(moduleID)+".wasm.gz")
}

// Open 返回moduleID的解压读取器；文件不存在时ok为false
func (s *DiskStore) Open(moduleID types.ModuleId) (r io.ReadCloser, ok bool, err error) {
	f, err := os.Open(s.path(moduleID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return &gzipReadCloser{gz: gz, f: f}, true, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

// Write 把src流式写入<moduleId>.wasm.gz，先落.tmp再原子改名
//
// 磁盘写失败只记日志不上抛：内存中的编译模块仍然可用，调用方照常继续。
func (s *DiskStore) Write(moduleID types.ModuleId, src io.Reader) {
	tmpPath := s.path(moduleID) + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		s.logWriteFailure(moduleID, err)
		return
	}
	defer os.Remove(tmpPath)

	gz := gzip.NewWriter(f)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		f.Close()
		s.logWriteFailure(moduleID, err)
		return
	}
	if err := gz.Close(); err != nil {
		f.Close()
		s.logWriteFailure(moduleID, err)
		return
	}
	if err := f.Close(); err != nil {
		s.logWriteFailure(moduleID, err)
		return
	}
	if err := os.Rename(tmpPath, s.path(moduleID)); err != nil {
		s.logWriteFailure(moduleID, err)
	}
}

func (s *DiskStore) logWriteFailure(moduleID types.ModuleId, err error) {
	if s.log != nil {
		s.log.Warnf("构件存储: 模块 %s 磁盘写入失败（非致命，编译模块仍驻留内存）: %v", moduleID, err)
	}
}
