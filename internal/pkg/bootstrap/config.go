// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 包装 time.Duration，支持在 yaml 里写 "500ms"、"3s" 这样的字面量。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// BucketConfig 单个令牌桶的容量与补充速率。
// Capacity 决定开售瞬间允许放进来的突发量，RefillRate 决定长期吞吐。
type BucketConfig struct {
	Capacity       int      `yaml:"capacity"`
	RefillRate     float64  `yaml:"refill_rate"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// LockConfig 分布式锁后端及租约参数
type LockConfig struct {
	Backend        string   `yaml:"backend"` // redis | zookeeper | memory
	Lease          Duration `yaml:"lease"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// QueueConfig 意向队列的重投递参数。
// VisibilityTimeout 既是内存队列的重投递窗口，也是结算侧单条意向的处理时限。
type QueueConfig struct {
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxRedelivery     int      `yaml:"max_redelivery"`
	NackDelay         Duration `yaml:"nack_delay"`
}

// ReconcilerConfig 持久化写的重试边界。
// BackoffMin 是冲突重试的起始退避，BackoffMax 是抖动后的单次退避上限。
type ReconcilerConfig struct {
	Workers    int      `yaml:"workers"`
	MaxRetries int      `yaml:"max_retries"`
	BackoffMin Duration `yaml:"backoff_min"`
	BackoffMax Duration `yaml:"backoff_max"`
}

// SeckillConfig 汇总秒杀核心的全部可调参数，
// 全部是具名配置项而不是散落在代码里的常量。
type SeckillConfig struct {
	Bucket     BucketConfig            `yaml:"bucket"`
	Buckets    map[string]BucketConfig `yaml:"buckets"` // 按资源 Key 覆盖默认桶
	Lock       LockConfig              `yaml:"lock"`
	Queue      QueueConfig             `yaml:"queue"`
	Reconciler ReconcilerConfig        `yaml:"reconciler"`
}

type Config struct {
	App struct {
		Seckill SeckillConfig `yaml:"seckill"`
	} `yaml:"app"`
	Infra struct {
		Redis struct {
			Addrs string `yaml:"addrs"`
		} `yaml:"redis"`
		Kafka struct {
			Brokers     string `yaml:"brokers"`
			IntentTopic string `yaml:"intent_topic"`
			DLTTopic    string `yaml:"dlt_topic"`
			ResultTopic string `yaml:"result_topic"`
			GroupID     string `yaml:"group_id"`
		} `yaml:"kafka"`
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Zookeeper struct {
			Servers string `yaml:"servers"`
		} `yaml:"zookeeper"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Nacos struct {
			Enabled   bool   `yaml:"enabled"`
			Addrs     string `yaml:"addrs"`
			Namespace string `yaml:"namespace"`
			Group     string `yaml:"group"`
		} `yaml:"nacos"`
	} `yaml:"infra"`
}

var (
	currentConfig *Config
	configOnce    sync.Once
)

// Init 加载配置：先给默认值，再按 CONFIG_FILE 指定的 yaml 覆盖，最后环境变量覆盖基础设施地址。
func Init() {
	configOnce.Do(func() {
		cfg := defaultConfig()

		path := getEnv("CONFIG_FILE", "config.yaml")
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				panic(fmt.Sprintf("FATAL: invalid config file %s: %v", path, err))
			}
		}

		applyEnvOverrides(cfg)
		currentConfig = cfg
	})
}

// GetCurrentConfig 返回进程内的当前配置。必须先调用 Init。
func GetCurrentConfig() *Config {
	if currentConfig == nil {
		Init()
	}
	return currentConfig
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Seckill = SeckillConfig{
		Bucket: BucketConfig{
			Capacity:       100,
			RefillRate:     50,
			AcquireTimeout: Duration(500 * time.Millisecond),
		},
		Lock: LockConfig{
			Backend:        "redis",
			Lease:          Duration(3 * time.Second),
			AcquireTimeout: Duration(800 * time.Millisecond),
		},
		Queue: QueueConfig{
			VisibilityTimeout: Duration(30 * time.Second),
			MaxRedelivery:     5,
			NackDelay:         Duration(2 * time.Second),
		},
		Reconciler: ReconcilerConfig{
			Workers:    4,
			MaxRetries: 4,
			BackoffMin: Duration(20 * time.Millisecond),
			BackoffMax: Duration(500 * time.Millisecond),
		},
	}
	cfg.Infra.Redis.Addrs = "localhost:6379"
	cfg.Infra.Kafka.Brokers = "localhost:9092"
	cfg.Infra.Kafka.IntentTopic = "seckill-intents"
	cfg.Infra.Kafka.DLTTopic = "seckill-intents-dlt"
	cfg.Infra.Kafka.ResultTopic = "seckill-results"
	cfg.Infra.Kafka.GroupID = "seckill-reconciler-group"
	cfg.Infra.Mysql.DSN = "root:root@tcp(localhost:3306)/seckill?parseTime=true"
	cfg.Infra.Zookeeper.Servers = "localhost:2181"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Mysql.DSN = getEnv("MYSQL_DSN", cfg.Infra.Mysql.DSN)
	cfg.Infra.Zookeeper.Servers = getEnv("ZK_SERVERS", cfg.Infra.Zookeeper.Servers)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.Addrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
}

// KafkaBrokerList 按逗号拆分 broker 地址
func (c *Config) KafkaBrokerList() []string {
	return strings.Split(c.Infra.Kafka.Brokers, ",")
}

// getEnv 从环境变量中读取配置，缺省时返回 fallback。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
