package log

import (
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

// LogOptions 日志配置选项
type LogOptions struct {
	// === 基础配置 ===
	Level     string `json:"level"`      // 日志级别 (debug, info, warn, error, fatal)
	ToConsole bool   `json:"to_console"` // 是否输出到控制台
	FilePath  string `json:"file_path"`  // 日志文件路径

	// === 多文件日志配置 ===
	EnableMultiFile bool   `json:"enable_multi_file"` // 是否启用多文件日志（默认true）
	SystemLogFile   string `json:"system_log_file"`   // 系统日志文件名（默认：cu-system.log）
	BusinessLogFile string `json:"business_log_file"` // 业务日志文件名（默认：cu-business.log）

	// === 基础轮转配置 ===
	MaxSize    int  `json:"max_size"`    // 单个日志文件最大大小(MB)
	MaxBackups int  `json:"max_backups"` // 最大备份文件数
	MaxAge     int  `json:"max_age"`     // 日志文件最大保留天数
	Compress   bool `json:"compress"`    // 是否压缩历史日志文件

	// === 调试配置 ===
	EnableCaller     bool `json:"enable_caller"`     // 是否启用调用者信息
	EnableStacktrace bool `json:"enable_stacktrace"` // 是否启用堆栈跟踪

	// === 内部配置（不对外暴露） ===
	LevelMap map[string]zapcore.Level `json:"-"` // 级别映射
	LogDir   string                   `json:"-"` // 日志目录（从 FilePath 推导）
}

// Config 日志配置实现
type Config struct {
	options *LogOptions
}

// New 创建日志配置实现。userConfig 非空时覆盖默认值中对应的字段
func New(userConfig *LogOptions) *Config {
	defaultOptions := createDefaultLogOptions()

	if userConfig != nil {
		applyUserLogConfig(defaultOptions, userConfig)
	}

	// CLI模式：强制禁用控制台输出（日志只写入文件，不干扰交互界面）
	if os.Getenv("CU_CLI_MODE") == "true" {
		defaultOptions.ToConsole = false
	}

	return &Config{options: defaultOptions}
}

// NewFromProvider 从配置提供者创建日志配置
func NewFromProvider(provider interface{}) *Config {
	if p, ok := provider.(interface{ GetLog() *LogOptions }); ok {
		options := p.GetLog()
		if os.Getenv("CU_CLI_MODE") == "true" {
			options.ToConsole = false
		}
		return &Config{options: options}
	}
	return New(nil)
}

// createDefaultLogOptions 创建默认日志配置
func createDefaultLogOptions() *LogOptions {
	defaultPath := getDefaultLogPath()
	logDir := filepath.Dir(defaultPath)

	return &LogOptions{
		Level:     defaultLogLevel,
		ToConsole: defaultToConsole,
		FilePath:  defaultPath,

		EnableMultiFile: defaultEnableMultiFile,
		SystemLogFile:   defaultSystemLogFile,
		BusinessLogFile: defaultBusinessLogFile,

		MaxSize:    defaultMaxSize,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAge,
		Compress:   defaultCompress,

		EnableCaller:     defaultEnableCaller,
		EnableStacktrace: defaultEnableStacktrace,

		LevelMap: defaultLevelMap,
		LogDir:   logDir,
	}
}

// getDefaultLogPath 获取默认日志文件路径
func getDefaultLogPath() string {
	if dir := os.Getenv("CU_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "logs", "cu-node.log")
	}
	return filepath.Join("data", "logs", "cu-node.log")
}

// applyUserLogConfig 应用用户日志配置覆盖默认值，只处理显式设置的字段
func applyUserLogConfig(options *LogOptions, userConfig *LogOptions) {
	if userConfig.Level != "" {
		options.Level = userConfig.Level
	}
	if userConfig.FilePath != "" {
		options.FilePath = userConfig.FilePath
		options.LogDir = filepath.Dir(options.FilePath)
		options.ToConsole = userConfig.ToConsole
	} else {
		options.ToConsole = userConfig.ToConsole || options.ToConsole
	}
	if userConfig.EnableCaller {
		options.EnableCaller = userConfig.EnableCaller
	}
	if userConfig.EnableStacktrace {
		options.EnableStacktrace = userConfig.EnableStacktrace
	}
}

// GetOptions 获取完整的日志配置选项
func (c *Config) GetOptions() *LogOptions {
	return c.options
}

// === 基础配置访问方法 ===

func (c *Config) GetLevel() string {
	return c.options.Level
}

// GetZapLevel 获取zap日志级别
func (c *Config) GetZapLevel() zapcore.Level {
	if level, exists := c.options.LevelMap[c.options.Level]; exists {
		return level
	}
	return zapcore.InfoLevel
}

func (c *Config) IsConsoleEnabled() bool {
	return c.options.ToConsole
}

func (c *Config) GetFilePath() string {
	return c.options.FilePath
}

func (c *Config) GetLogDir() string {
	return c.options.LogDir
}

func (c *Config) IsMultiFileEnabled() bool {
	return c.options.EnableMultiFile
}

func (c *Config) GetSystemLogFile() string {
	return c.options.SystemLogFile
}

func (c *Config) GetBusinessLogFile() string {
	return c.options.BusinessLogFile
}

// === 日志轮转配置访问方法 ===

func (c *Config) GetMaxSize() int {
	return c.options.MaxSize
}

func (c *Config) GetMaxBackups() int {
	return c.options.MaxBackups
}

func (c *Config) GetMaxAge() int {
	return c.options.MaxAge
}

func (c *Config) IsCompressionEnabled() bool {
	return c.options.Compress
}

// === 调试配置访问方法 ===

func (c *Config) IsCallerEnabled() bool {
	return c.options.EnableCaller
}

func (c *Config) IsStacktraceEnabled() bool {
	return c.options.EnableStacktrace
}

// === 编码器创建方法 ===

// CreateFileEncoder 创建文件编码器 - JSON格式
func (c *Config) CreateFileEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	})
}

// CreateConsoleEncoder 创建控制台编码器
func (c *Config) CreateConsoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05.000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
	})
}
