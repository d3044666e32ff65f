package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/weisyn/compute-unit/internal/app"
	runtimeutil "github.com/weisyn/compute-unit/pkg/utils/runtime"
)

const version = "1.0.0"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ [PANIC] 节点启动过程中发生严重错误: %v\n", r)
			os.Stderr.Sync()
			fmt.Fprintf(os.Stderr, "请检查环境变量配置与数据目录权限是否正确\n")
			os.Exit(1)
		}
	}()

	fmt.Fprintf(os.Stderr, "🔍 [DEBUG] 程序开始执行，参数: %v\n", os.Args)
	os.Stderr.Sync()

	fmt.Println("🚀 compute-unit 节点启动中...")
	os.Stdout.Sync()

	var (
		httpPort          int
		dataDir           string
		gatewayURL        string
		moduleCacheSize   int
		instanceCacheSize int
		showHelp          bool
		showVersion       bool
	)

	flag.IntVar(&httpPort, "http-port", 0, "HTTP端口（节点级覆盖，0表示使用CU_HTTP_PORT或默认值）")
	flag.StringVar(&dataDir, "data-dir", "", "Wasm二进制与badger数据目录（节点级覆盖）")
	flag.StringVar(&gatewayURL, "gateway-url", "", "网关地址，用于拉取原始Wasm与事务数据（节点级覆盖）")
	flag.IntVar(&moduleCacheSize, "module-cache-size", 0, "已编译模块缓存容量（节点级覆盖）")
	flag.IntVar(&instanceCacheSize, "instance-cache-size", 0, "实例缓存容量（节点级覆盖）")
	flag.BoolVar(&showHelp, "help", false, "显示帮助信息")
	flag.BoolVar(&showVersion, "version", false, "显示版本信息")
	flag.Parse()

	if showVersion {
		fmt.Printf("compute-unit-node v%s\n", version)
		return
	}
	if showHelp {
		showHelpInfo()
		return
	}

	if applied, limit, err := runtimeutil.ApplyCgroupMemoryLimit(0.8); err != nil {
		fmt.Fprintf(os.Stderr, "🔍 [DEBUG] cgroup内存上限探测失败: %v\n", err)
		os.Stderr.Sync()
	} else if applied {
		fmt.Fprintf(os.Stderr, "🔍 [DEBUG] 已根据cgroup内存上限调整GC目标: limit=%d bytes\n", limit)
		os.Stderr.Sync()
	}

	cuApp := app.New(app.Overrides{
		HTTPPort:          httpPort,
		DataDir:           dataDir,
		GatewayURL:        gatewayURL,
		ModuleCacheSize:   moduleCacheSize,
		InstanceCacheSize: instanceCacheSize,
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	if err := cuApp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 节点启动失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "🔍 [DEBUG] fx应用已启动，等待退出信号\n")
	os.Stderr.Sync()

	<-cuApp.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()

	if err := cuApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 节点关闭过程中发生错误: %v\n", err)
		os.Exit(1)
	}
}

func showHelpInfo() {
	fmt.Println("compute-unit-node - Compute Unit 评估管线节点")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  compute-unit-node [选项]")
	fmt.Println()
	fmt.Println("选项:")
	fmt.Println("  --http-port int            HTTP端口（覆盖 CU_HTTP_PORT）")
	fmt.Println("  --data-dir string          Wasm二进制与badger数据目录（覆盖 WASM_BINARY_FILE_DIRECTORY）")
	fmt.Println("  --gateway-url string       网关地址（覆盖 GATEWAY_URL）")
	fmt.Println("  --module-cache-size int    已编译模块缓存容量（覆盖 WASM_MODULE_CACHE_MAX_SIZE）")
	fmt.Println("  --instance-cache-size int  实例缓存容量（覆盖 WASM_INSTANCE_CACHE_MAX_SIZE）")
	fmt.Println("  --help                     显示本帮助信息")
	fmt.Println("  --version                  显示版本信息")
	fmt.Println()
	fmt.Println("环境变量完整列表见 internal/config/cu/config.go")
}
