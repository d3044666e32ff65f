package cu

// CU配置默认值；对应的环境变量见config.go的Load

const (
	// defaultModuleCacheSize 编译模块缓存容量
	// 原因：每个编译模块占用数MB的JIT产物，256个条目在常见部署规格下是安全上限
	defaultModuleCacheSize = 256

	// defaultInstanceCacheSize 实例缓存容量
	// 原因：每个活跃实例持有自己的线性内存，数量需小于模块缓存
	defaultInstanceCacheSize = 128

	defaultBinaryDir = "./data/wasm-binaries"

	defaultGatewayURL = "http://localhost:4000"

	// defaultMemoryMaxLimitPages 以64KiB为单位的Wasm线性内存页数上限，默认约1GiB
	defaultMemoryMaxLimitPages = 16384

	// defaultComputeMaxLimit gas计量单位上限
	defaultComputeMaxLimit = 9_000_000_000

	defaultMemMonitorIntervalSeconds = 30

	defaultDumpPath = "./data/heap-dumps"
)
