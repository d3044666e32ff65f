// Package badger 提供基于BadgerDB的评估持久化实现：evaluation记录、
// deepHash跨运行去重索引、以及进程内存检查点。
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v3"

	"github.com/weisyn/compute-unit/internal/core/cu/checkpoint"
	collaborators "github.com/weisyn/compute-unit/pkg/interfaces/cu"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// 键布局：
//
//	eval|<processID>|<ordinate:020d>   -> JSON(EvaluationRecord)
//	deephash|<processID>|<deepHash>    -> JSON(deepHashEntry)
//	memory|<processID>                 -> JSON(memoryMeta)
//	memorydata|<processID>             -> 原始内存字节
const (
	prefixEval       = "eval|"
	prefixDeepHash   = "deephash|"
	prefixMemory     = "memory|"
	prefixMemoryData = "memorydata|"
)

// Store 在单个badger.DB上同时实现EvaluationSaver、DeepHashIndex、
// ProcessMemorySaver与ProcessMemoryLoader
type Store struct {
	db  *badgerdb.DB
	log logiface.Logger
}

// Open 打开（或创建）位于dir的badger数据库
func Open(dir string, log logiface.Logger) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", dir, err)
	}
	return &Store{db: db, log: log}, nil
}

// Close 释放底层数据库句柄
func (s *Store) Close() error {
	return s.db.Close()
}

func evalKey(processID string, ordinate int64) []byte {
	return []byte(fmt.Sprintf("%s%s|%020d", prefixEval, processID, ordinate))
}

func deepHashKey(processID, deepHash string) []byte {
	return []byte(prefixDeepHash + processID + "|" + deepHash)
}

func memoryKey(processID string) []byte {
	return []byte(prefixMemory + processID)
}

func memoryDataKey(processID string) []byte {
	return []byte(prefixMemoryData + processID)
}

// deepHashEntry (processID, deepHash)对应的存储值；记录源消息的足够信息，
// 使FindMessageHashBefore不必回读完整evaluation记录就能判定
type deepHashEntry struct {
	Ordinate  int64  `json:"ordinate"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId"`
}

// memoryMeta memory|键下的快照元数据；内存字节本体在memorydata|键下
type memoryMeta struct {
	Cursor     types.Cursor         `json:"cursor"`
	Encoding   types.MemoryEncoding `json:"encoding"`
	MemoryHash string               `json:"memoryHash"`
}

// SaveEvaluation 实现collaborators.EvaluationSaver
//
// evaluation记录与deepHash索引条目写在同一个事务里，两者不会彼此脱节。
// 键含(processID, ordinate)，对相同输入重复写入天然幂等。
func (s *Store) SaveEvaluation(ctx context.Context, rec collaborators.EvaluationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badger: marshal evaluation record: %w", err)
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(evalKey(rec.ProcessID, rec.Ordinate), payload); err != nil {
			return err
		}
		if rec.Message.DeepHash != "" {
			entry, err := json.Marshal(deepHashEntry{
				Ordinate:  rec.Ordinate,
				Timestamp: rec.Timestamp,
				MessageID: rec.Message.ID,
			})
			if err != nil {
				return err
			}
			if err := txn.Set(deepHashKey(rec.ProcessID, rec.Message.DeepHash), entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger: saveEvaluation: %w", err)
	}
	if s.log != nil {
		s.log.Debugf("badger: 已保存进程 %s ordinate %d 的evaluation", rec.ProcessID, rec.Ordinate)
	}
	return nil
}

// FindMessageHashBefore 实现collaborators.DeepHashIndex
//
// 位于lowerBound及之后的索引条目不属于"此前"，不计入去重。evaluator传入的
// lowerBound是当前消息自身的ordinate而不是本次运行的起始下界，因此本次运行
// 中更早消息已落库的同一deepHash同样会命中。
func (s *Store) FindMessageHashBefore(ctx context.Context, deepHash, processID string, lowerBound int64) (*collaborators.EvaluationRecord, bool, error) {
	var entry deepHashEntry
	found := false

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(deepHashKey(processID, deepHash))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &entry); err != nil {
				return err
			}
			found = entry.Ordinate < lowerBound
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("badger: findMessageHashBefore: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	rec, err := s.loadEvaluation(processID, entry.Ordinate)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) loadEvaluation(processID string, ordinate int64) (*collaborators.EvaluationRecord, error) {
	var rec collaborators.EvaluationRecord
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(evalKey(processID, ordinate))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badger: loadEvaluation: %w", err)
	}
	return &rec, nil
}

// SaveLatestProcessMemory 实现collaborators.ProcessMemorySaver
//
// 每进程只保留最新一份快照（恢复只需要最近的检查点），元数据与内存字节
// 同事务覆盖写。落库时顺带计算内容哈希，供校验与对账。
func (s *Store) SaveLatestProcessMemory(ctx context.Context, snap collaborators.ProcessMemorySnapshot) error {
	if snap.MemoryHash == "" && len(snap.Memory.Bytes) > 0 {
		hash, err := checkpoint.Hash(bytes.NewReader(snap.Memory.Bytes), snap.Memory.Encoding)
		if err != nil {
			return fmt.Errorf("badger: hash memory snapshot: %w", err)
		}
		snap.MemoryHash = hash
	}

	meta, err := json.Marshal(memoryMeta{
		Cursor:     snap.Cursor,
		Encoding:   snap.Memory.Encoding,
		MemoryHash: snap.MemoryHash,
	})
	if err != nil {
		return fmt.Errorf("badger: marshal memory meta: %w", err)
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(memoryKey(snap.ProcessID), meta); err != nil {
			return err
		}
		return txn.Set(memoryDataKey(snap.ProcessID), snap.Memory.Bytes)
	})
	if err != nil {
		return fmt.Errorf("badger: saveLatestProcessMemory: %w", err)
	}
	if s.log != nil {
		s.log.Debugf("badger: 已为进程 %s 在 ordinate %d 落检查点 (hash=%s)", snap.ProcessID, snap.Cursor.Ordinate, snap.MemoryHash)
	}
	return nil
}

// LoadLatestProcessMemory 实现collaborators.ProcessMemoryLoader
func (s *Store) LoadLatestProcessMemory(ctx context.Context, processID string) (*collaborators.ProcessMemorySnapshot, bool, error) {
	var meta memoryMeta
	var data []byte
	found := false

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(memoryKey(processID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return err
		}

		dataItem, err := txn.Get(memoryDataKey(processID))
		if err == badgerdb.ErrKeyNotFound {
			// 元数据存在而字节缺失视为无快照，宁可从头重放也不给出
			// 不完整的内存
			return nil
		}
		if err != nil {
			return err
		}
		if err := dataItem.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("badger: loadLatestProcessMemory: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	return &collaborators.ProcessMemorySnapshot{
		ProcessID:  processID,
		Memory:     types.Memory{Bytes: data, Encoding: meta.Encoding},
		Cursor:     meta.Cursor,
		MemoryHash: meta.MemoryHash,
	}, true, nil
}

// ListEvaluationsByProcess 按ordinate顺序返回processID的全部evaluation
// 记录，供运维工具与测试使用
func (s *Store) ListEvaluationsByProcess(processID string) ([]collaborators.EvaluationRecord, error) {
	var out []collaborators.EvaluationRecord
	prefix := []byte(prefixEval + processID + "|")
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				var rec collaborators.EvaluationRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: listEvaluationsByProcess: %w", err)
	}
	return out, nil
}
