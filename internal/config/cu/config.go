// Package cu 从环境变量装载Compute Unit节点的运行期配置
package cu

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config 是evaluator管线所有组件共享的配置快照
type Config struct {
	WasmModuleCacheMaxSize   int           `validate:"min=1"`
	WasmInstanceCacheMaxSize int           `validate:"min=1"`
	WasmBinaryFileDirectory  string        `validate:"required"`
	GatewayURL               string        `validate:"required,url"`
	ProcessMemoryMaxLimit    uint32        `validate:"min=1"`
	ProcessComputeMaxLimit   uint64        `validate:"min=1"`
	MemMonitorInterval       time.Duration `validate:"min=0"`
	DumpPath                 string        `validate:"required"`

	HTTPPort int `validate:"min=0"`
}

var validate = validator.New()

// Load 从环境变量构建Config，未设置的变量落回默认值，随后执行字段校验
func Load() (*Config, error) {
	cfg := &Config{
		WasmModuleCacheMaxSize:   envInt("WASM_MODULE_CACHE_MAX_SIZE", defaultModuleCacheSize),
		WasmInstanceCacheMaxSize: envInt("WASM_INSTANCE_CACHE_MAX_SIZE", defaultInstanceCacheSize),
		WasmBinaryFileDirectory:  envString("WASM_BINARY_FILE_DIRECTORY", defaultBinaryDir),
		GatewayURL:               envString("GATEWAY_URL", defaultGatewayURL),
		ProcessMemoryMaxLimit:    uint32(envInt("PROCESS_WASM_MEMORY_MAX_LIMIT", defaultMemoryMaxLimitPages)),
		ProcessComputeMaxLimit:   uint64(envInt64("PROCESS_WASM_COMPUTE_MAX_LIMIT", defaultComputeMaxLimit)),
		MemMonitorInterval:       time.Duration(envInt("MEM_MONITOR_INTERVAL", defaultMemMonitorIntervalSeconds)) * time.Second,
		DumpPath:                 envString("DUMP_PATH", defaultDumpPath),
		HTTPPort:                 envInt("CU_HTTP_PORT", 8734),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid compute-unit configuration: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides 应用cmd/node级别的命令行覆盖（0/空值表示不覆盖）
func (c *Config) ApplyOverrides(httpPort int, dataDir, gatewayURL string, moduleCacheSize, instanceCacheSize int) {
	if httpPort > 0 {
		c.HTTPPort = httpPort
	}
	if dataDir != "" {
		c.WasmBinaryFileDirectory = dataDir
	}
	if gatewayURL != "" {
		c.GatewayURL = gatewayURL
	}
	if moduleCacheSize > 0 {
		c.WasmModuleCacheMaxSize = moduleCacheSize
	}
	if instanceCacheSize > 0 {
		c.WasmInstanceCacheMaxSize = instanceCacheSize
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
