package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Farm         FarmConfig         `mapstructure:"farm"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Cloud        CloudConfig        `mapstructure:"cloud"`
	Android      AndroidConfig      `mapstructure:"android"`
	IOS          IOSConfig          `mapstructure:"ios"`
	ChromeDriver ChromeDriverConfig `mapstructure:"chromedriver"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PublicURL 本实例对外通告的地址，作为本地设备记录的 host
	PublicURL string `mapstructure:"public_url"`
}

// FarmConfig 设备池策略配置
type FarmConfig struct {
	// Platform 本实例服务的平台：android | ios | both
	Platform string `mapstructure:"platform"`
	// AndroidDeviceType / IOSDeviceType：real | simulated | both
	AndroidDeviceType string `mapstructure:"android_device_type"`
	IOSDeviceType     string `mapstructure:"ios_device_type"`
	// MaxSessions 同时占用设备上限，0 表示不限制
	MaxSessions int `mapstructure:"max_sessions"`
	// Remote 设备来源主机列表；回环地址表示本机枚举，其余按远端节点查询
	Remote []string `mapstructure:"remote"`
	// Hub 节点模式下注册到的 hub 地址，为空表示不注册
	Hub                       string        `mapstructure:"hub"`
	NodeID                    string        `mapstructure:"node_id"`
	SkipChromeDownload        bool          `mapstructure:"skip_chrome_download"`
	DeviceAvailabilityTimeout time.Duration `mapstructure:"device_availability_timeout"`
	DeviceRetryInterval       time.Duration `mapstructure:"device_retry_interval"`
	// MaxSessionDuration 会话最长占用时长，超过后由回收协程自动释放
	MaxSessionDuration    time.Duration `mapstructure:"max_session_duration"`
	StaleCheckInterval    time.Duration `mapstructure:"stale_check_interval"`
	NodeHeartbeatInterval time.Duration `mapstructure:"node_heartbeat_interval"`
	NodeExpireAfter       time.Duration `mapstructure:"node_expire_after"`
	ForwardTimeout        time.Duration `mapstructure:"forward_timeout"`
}

// ReconcileConfig 设备清单同步配置
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// RemoteMissThreshold 远端/云设备连续缺席次数达到阈值后才移除
	RemoteMissThreshold int           `mapstructure:"remote_miss_threshold"`
	AdapterTimeout      time.Duration `mapstructure:"adapter_timeout"`
	MaxConcurrentPolls  int           `mapstructure:"max_concurrent_polls"`
}

// CloudConfig 云设备提供商配置
type CloudConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Provider   string `mapstructure:"provider"`
	CatalogURL string `mapstructure:"catalog_url"`
	HubURL     string `mapstructure:"hub_url"`
	Username   string `mapstructure:"username"`
	AccessKey  string `mapstructure:"access_key"`
}

// AndroidConfig 本地 Android 枚举配置
type AndroidConfig struct {
	// SDKRoot 为空时读取 ANDROID_HOME / ANDROID_SDK_ROOT
	SDKRoot string `mapstructure:"sdk_root"`
	// SSH 非空 host 时通过 SSH 在实验室主机上执行 adb
	SSH SSHConfig `mapstructure:"ssh"`
}

// IOSConfig 本地 iOS 枚举配置
type IOSConfig struct {
	SSH SSHConfig `mapstructure:"ssh"`
}

// SSHConfig 远程命令执行（实验室主机）配置
type SSHConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	KeyFile        string        `mapstructure:"key_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// ToolDir 远端 adb / xcrun 所在目录，为空按 PATH 查找
	ToolDir string `mapstructure:"tool_dir"`
}

// Enabled 是否配置了 SSH 执行
func (s SSHConfig) Enabled() bool {
	return strings.TrimSpace(s.Host) != ""
}

// ChromeDriverConfig chromedriver 解析与缓存配置
type ChromeDriverConfig struct {
	CatalogURL string      `mapstructure:"catalog_url"`
	CacheDir   string      `mapstructure:"cache_dir"`
	Minio      MinioConfig `mapstructure:"minio"`
}

// MinioConfig 对象存储配置（驱动文件镜像）
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Secure    bool   `mapstructure:"secure"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvPrefix("DEVICE_FARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// farm.remote 也可写成逗号分隔字符串
	config.Farm.Remote = splitList(strings.Join(config.Farm.Remote, ","))

	config = replaceEnvVars(config)
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4723)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 60*time.Second)
	// 会话创建需等待设备与节点转发，写超时需大于设备等待时长
	v.SetDefault("server.write_timeout", 15*time.Minute)

	v.SetDefault("farm.platform", "both")
	v.SetDefault("farm.android_device_type", "both")
	v.SetDefault("farm.ios_device_type", "both")
	v.SetDefault("farm.max_sessions", 0)
	v.SetDefault("farm.remote", []string{"http://127.0.0.1"})
	v.SetDefault("farm.device_availability_timeout", 5*time.Minute)
	v.SetDefault("farm.device_retry_interval", 10*time.Second)
	v.SetDefault("farm.max_session_duration", 60*time.Minute)
	v.SetDefault("farm.stale_check_interval", 30*time.Second)
	v.SetDefault("farm.node_heartbeat_interval", 30*time.Second)
	v.SetDefault("farm.node_expire_after", 2*time.Minute)
	v.SetDefault("farm.forward_timeout", 10*time.Minute)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.remote_miss_threshold", 3)
	v.SetDefault("reconcile.adapter_timeout", 60*time.Second)
	v.SetDefault("reconcile.max_concurrent_polls", 8)

	v.SetDefault("cloud.provider", "browserstack")

	v.SetDefault("android.ssh.port", 22)
	v.SetDefault("android.ssh.connect_timeout", 7*time.Second)
	v.SetDefault("ios.ssh.port", 22)
	v.SetDefault("ios.ssh.connect_timeout", 7*time.Second)

	v.SetDefault("chromedriver.cache_dir", "./data/chromedriver")
	v.SetDefault("chromedriver.minio.prefix", "chromedriver")

	v.SetDefault("database.sqlite.path", "./data/devicefarm.db")
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/devicefarm.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// replaceEnvVars 替换 ${ENV} 形式的敏感配置
func replaceEnvVars(config Config) Config {
	config.Cloud.Username = expandEnv(config.Cloud.Username)
	config.Cloud.AccessKey = expandEnv(config.Cloud.AccessKey)
	config.ChromeDriver.Minio.AccessKey = expandEnv(config.ChromeDriver.Minio.AccessKey)
	config.ChromeDriver.Minio.SecretKey = expandEnv(config.ChromeDriver.Minio.SecretKey)
	config.Android.SSH.Password = expandEnv(config.Android.SSH.Password)
	config.IOS.SSH.Password = expandEnv(config.IOS.SSH.Password)
	return config
}

func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return value
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Normalize 规范化大小写与派生字段
func (c *Config) Normalize() {
	c.Farm.Platform = strings.ToLower(strings.TrimSpace(c.Farm.Platform))
	c.Farm.AndroidDeviceType = strings.ToLower(strings.TrimSpace(c.Farm.AndroidDeviceType))
	c.Farm.IOSDeviceType = strings.ToLower(strings.TrimSpace(c.Farm.IOSDeviceType))
	if c.Farm.Platform == "" {
		c.Farm.Platform = "both"
	}
	if c.Farm.AndroidDeviceType == "" {
		c.Farm.AndroidDeviceType = "both"
	}
	if c.Farm.IOSDeviceType == "" {
		c.Farm.IOSDeviceType = "both"
	}
	if strings.TrimSpace(c.Server.PublicURL) == "" {
		c.Server.PublicURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	c.Farm.Hub = strings.TrimRight(strings.TrimSpace(c.Farm.Hub), "/")
	if c.Reconcile.RemoteMissThreshold <= 0 {
		c.Reconcile.RemoteMissThreshold = 1
	}
}

// Validate 校验枚举型配置
func (c *Config) Validate() error {
	switch c.Farm.Platform {
	case "android", "ios", "both":
	default:
		return fmt.Errorf("invalid farm.platform %q: expect android, ios or both", c.Farm.Platform)
	}
	for key, val := range map[string]string{
		"farm.android_device_type": c.Farm.AndroidDeviceType,
		"farm.ios_device_type":     c.Farm.IOSDeviceType,
	} {
		switch val {
		case "real", "simulated", "both":
		default:
			return fmt.Errorf("invalid %s %q: expect real, simulated or both", key, val)
		}
	}
	if c.Farm.MaxSessions < 0 {
		return fmt.Errorf("farm.max_sessions must not be negative")
	}
	return nil
}

// ServesPlatform 判断本实例是否服务指定平台
func (c *Config) ServesPlatform(platform string) bool {
	return c.Farm.Platform == "both" || c.Farm.Platform == strings.ToLower(platform)
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
