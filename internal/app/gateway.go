package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/weisyn/compute-unit/internal/core/codec"
	collaborators "github.com/weisyn/compute-unit/pkg/interfaces/cu"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/compute-unit/pkg/types"
)

// httpScheduler 调度器单元的HTTP客户端。调度器本体不在本仓库内，这里只是
// 那条边界的瘦客户端。
type httpScheduler struct {
	baseURL string
	client  *http.Client
	log     logiface.Logger
}

func newHTTPScheduler(baseURL string, client *http.Client, log logiface.Logger) *httpScheduler {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpScheduler{baseURL: baseURL, client: client, log: log}
}

type forwardResponse struct {
	ID string `json:"id"`
}

// Forward 原样转发一条已签名的原始消息
func (s *httpScheduler) Forward(ctx context.Context, rawMessage []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/submit", bytes.NewReader(rawMessage))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	return s.do(req)
}

// ForwardEncoded 转发一条已编码为线格式的出站消息：展平键进头，multipart
// 正文带content-digest
func (s *httpScheduler) ForwardEncoded(ctx context.Context, msg *codec.EncodedMessage) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/submit", bytes.NewReader(msg.Body))
	if err != nil {
		return "", err
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	if msg.ContentType != "" {
		req.Header.Set("Content-Type", msg.ContentType)
	}
	if msg.ContentDigest != "" {
		req.Header.Set("Content-Digest", msg.ContentDigest)
	}

	return s.do(req)
}

func (s *httpScheduler) do(req *http.Request) (string, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scheduler forward: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("scheduler forward: non-2xx status %d", resp.StatusCode)
	}

	var out forwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("scheduler forward: decode response: %w", err)
	}
	return out.ID, nil
}

// httpProcessDirectory 经HTTP解析事务id到进程绑定，并拉取进程的消息日志。
// 目标与构件存储拉取原始Wasm的是同一个网关。
type httpProcessDirectory struct {
	baseURL string
	client  *http.Client
	log     logiface.Logger
}

func newHTTPProcessDirectory(baseURL string, client *http.Client, log logiface.Logger) *httpProcessDirectory {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpProcessDirectory{baseURL: baseURL, client: client, log: log}
}

type transactionDescriptorWire struct {
	ProcessID    string `json:"processId"`
	ModuleID     string `json:"moduleId"`
	ComputeLimit uint64 `json:"computeLimit"`
	MemoryLimit  uint32 `json:"memoryLimit"`
	LowerBound   int64  `json:"lowerBound"`
}

func (d *httpProcessDirectory) DescribeTransaction(ctx context.Context, txID string) (collaborators.ProcessDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/tx/"+txID, nil)
	if err != nil {
		return collaborators.ProcessDescriptor{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return collaborators.ProcessDescriptor{}, fmt.Errorf("describeTransaction: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return collaborators.ProcessDescriptor{}, fmt.Errorf("describeTransaction: non-2xx status %d", resp.StatusCode)
	}

	var wire transactionDescriptorWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return collaborators.ProcessDescriptor{}, fmt.Errorf("describeTransaction: decode: %w", err)
	}

	return collaborators.ProcessDescriptor{
		ProcessID:    wire.ProcessID,
		ModuleID:     types.ModuleId(wire.ModuleID),
		ComputeLimit: wire.ComputeLimit,
		MemoryLimit:  wire.MemoryLimit,
		LowerBound:   wire.LowerBound,
	}, nil
}

func (d *httpProcessDirectory) Messages(ctx context.Context, processID string, lowerBound int64) (types.MessageSequence, error) {
	url := fmt.Sprintf("%s/process/%s/messages?from=%d", d.baseURL, processID, lowerBound)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("messages: non-2xx status %d", resp.StatusCode)
	}

	var msgs []types.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("messages: decode: %w", err)
	}

	return &sliceSequence{msgs: msgs}, nil
}

// sliceSequence 把已拉取完的切片适配成types.MessageSequence
type sliceSequence struct {
	msgs []types.Message
	pos  int
}

func (s *sliceSequence) Next() (*types.Message, bool, error) {
	if s.pos >= len(s.msgs) {
		return nil, false, nil
	}
	m := s.msgs[s.pos]
	s.pos++
	return &m, true, nil
}
