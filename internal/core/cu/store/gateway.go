package store

import (
	"context"
	"fmt"
	"io"
	"net/http"

	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
)

// HTTPGateway 实现collaborators.TransactionStreamer：对网关发起
// GET <GATEWAY_URL>/raw/<id>，把响应体作为字节流返回
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	log     logiface.Logger
}

// NewHTTPGateway 构建指向baseURL的网关客户端
func NewHTTPGateway(baseURL string, client *http.Client, log logiface.Logger) *HTTPGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{baseURL: baseURL, client: client, log: log}
}

// StreamTransactionData 拉取一笔事务的原始字节流；非2xx响应判为拉取失败
func (g *HTTPGateway) StreamTransactionData(ctx context.Context, id string) (io.ReadCloser, error) {
	url := g.baseURL + "/raw/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &ModuleFetchError{ModuleID: id, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &ModuleFetchError{ModuleID: id, Status: resp.StatusCode, Err: fmt.Errorf("non-2xx status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}
