package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del motor.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Markets   MarketsConfig   `yaml:"markets"`
	Detector  DetectorConfig  `yaml:"detector"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

// APIConfig contiene los endpoints de Polymarket y Polygon.
type APIConfig struct {
	CLOBBase   string `yaml:"clob_base"`
	GammaBase  string `yaml:"gamma_base"`
	WSURL      string `yaml:"ws_url"`
	RPCURL     string `yaml:"rpc_url"` // opcional: balance USDC on-chain
	PrivateKey string `yaml:"-"`       // solo desde POLY_PRIVATE_KEY
}

// MarketsConfig selecciona los mercados a vigilar y cómo recibir sus books.
type MarketsConfig struct {
	MaxMarkets          int      `yaml:"max_markets"`
	MinVolume24h        float64  `yaml:"min_volume_24h"`
	Whitelist           []string `yaml:"whitelist"`
	Blacklist           []string `yaml:"blacklist"`
	Feed                string   `yaml:"feed"` // ws | poll
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
}

// DetectorConfig controla qué oportunidades se emiten.
type DetectorConfig struct {
	MinEdge          float64 `yaml:"min_edge"`
	MinSpread        float64 `yaml:"min_spread"`
	TakerFeeBps      float64 `yaml:"taker_fee_bps"`
	MakerFeeBps      float64 `yaml:"maker_fee_bps"`
	GasPerOrder      float64 `yaml:"gas_per_order"`
	DefaultOrderSize float64 `yaml:"default_order_size"` // USDC por quote de market making
	MaxOrderSize     float64 `yaml:"max_order_size"`     // USDC, 0 = sin tope
	MarketMaking     bool    `yaml:"market_making"`
	AutoGas          bool    `yaml:"auto_gas"` // estima gas_per_order on-chain (requiere rpc_url)
	ArbCooldownMs    int     `yaml:"arb_cooldown_ms"`
	MMCooldownMs     int     `yaml:"mm_cooldown_ms"`
	Workers          int     `yaml:"workers"` // 0 = NumCPU*2
}

// RiskConfig contiene los límites del risk gate. Importes en USDC.
type RiskConfig struct {
	MaxPerMarket           float64 `yaml:"max_per_market"`
	MaxGlobal              float64 `yaml:"max_global"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss"`
	MaxDrawdownPct         float64 `yaml:"max_drawdown_pct"`
	Capital                float64 `yaml:"capital"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
}

// ExecutionConfig controla envío, reintentos y vida de las órdenes.
type ExecutionConfig struct {
	DryRun              bool   `yaml:"dry_run"`
	StalenessTolerance  uint64 `yaml:"staleness_tolerance"`
	MaxAttempts         int    `yaml:"max_attempts"`
	BaseBackoffMs       int    `yaml:"base_backoff_ms"`
	MaxBackoffMs        int    `yaml:"max_backoff_ms"`
	OrderMaxAgeSeconds  int    `yaml:"order_max_age_seconds"`
	SweepIntervalMs     int    `yaml:"sweep_interval_ms"`
	VenuePollIntervalMs int    `yaml:"venue_poll_interval_ms"` // polling de estado de órdenes
	EnsureApprovals     bool   `yaml:"ensure_approvals"`       // aprobaciones on-chain al arrancar (requiere rpc_url)
	// SlippageTolerance es el movimiento relativo en contra admitido en las
	// patas de un bundle antes de enviarlas; 0 lo desactiva.
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
}

// StorageConfig controla dónde se persiste el journal.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// DashboardConfig controla la vista de operador.
type DashboardConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	HTTPAddr        string `yaml:"http_addr"` // vacío = sin API HTTP
	RedisURL        string `yaml:"redis_url"` // vacío = sin publicación en Redis
	RedisPrefix     string `yaml:"redis_prefix"`
	RedisTTLSeconds int    `yaml:"redis_ttl_seconds"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate rechaza combinaciones que el motor no puede operar.
func (c *Config) Validate() error {
	switch c.Markets.Feed {
	case "ws", "poll":
	default:
		return fmt.Errorf("markets.feed must be ws or poll, got %q", c.Markets.Feed)
	}
	if c.Risk.MaxPerMarket > c.Risk.MaxGlobal {
		return fmt.Errorf("risk.max_per_market (%.2f) exceeds risk.max_global (%.2f)",
			c.Risk.MaxPerMarket, c.Risk.MaxGlobal)
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in [0, 1), got %.4f", c.Risk.MaxDrawdownPct)
	}
	if c.Risk.MaxDrawdownPct > 0 && c.Risk.Capital <= 0 {
		return fmt.Errorf("risk.max_drawdown_pct requires risk.capital")
	}
	if c.Execution.SlippageTolerance < 0 || c.Execution.SlippageTolerance >= 1 {
		return fmt.Errorf("execution.slippage_tolerance must be in [0, 1), got %.4f", c.Execution.SlippageTolerance)
	}
	return nil
}

// ArbCooldown devuelve el cooldown de arbitraje por mercado.
func (c *Config) ArbCooldown() time.Duration {
	return time.Duration(c.Detector.ArbCooldownMs) * time.Millisecond
}

// MMCooldown devuelve el cooldown de market making por mercado.
func (c *Config) MMCooldown() time.Duration {
	return time.Duration(c.Detector.MMCooldownMs) * time.Millisecond
}

// PollInterval devuelve el intervalo del feed por polling.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Markets.PollIntervalSeconds) * time.Second
}

// DashboardInterval devuelve cada cuánto se regenera el snapshot.
func (c *Config) DashboardInterval() time.Duration {
	return time.Duration(c.Dashboard.IntervalSeconds) * time.Second
}

// RedisTTL devuelve el TTL de las keys publicadas en Redis.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Dashboard.RedisTTLSeconds) * time.Second
}

// BaseBackoff, MaxBackoff, OrderMaxAge, SweepInterval y VenuePollInterval
// convierten los campos de ejecución a time.Duration.
func (e ExecutionConfig) BaseBackoff() time.Duration {
	return time.Duration(e.BaseBackoffMs) * time.Millisecond
}

func (e ExecutionConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMs) * time.Millisecond
}

func (e ExecutionConfig) OrderMaxAge() time.Duration {
	return time.Duration(e.OrderMaxAgeSeconds) * time.Second
}

func (e ExecutionConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalMs) * time.Millisecond
}

func (e ExecutionConfig) VenuePollInterval() time.Duration {
	return time.Duration(e.VenuePollIntervalMs) * time.Millisecond
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLY_PRIVATE_KEY"); v != "" {
		cfg.API.PrivateKey = strings.TrimPrefix(v, "0x")
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.API.RPCURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Dashboard.RedisURL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Dashboard.HTTPAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.WSURL == "" {
		cfg.API.WSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}

	if cfg.Markets.MaxMarkets <= 0 {
		cfg.Markets.MaxMarkets = 50
	}
	if cfg.Markets.Feed == "" {
		cfg.Markets.Feed = "ws"
	}
	if cfg.Markets.PollIntervalSeconds <= 0 {
		cfg.Markets.PollIntervalSeconds = 2
	}

	if cfg.Detector.MinEdge <= 0 {
		cfg.Detector.MinEdge = 0.005
	}
	if cfg.Detector.MinSpread <= 0 {
		cfg.Detector.MinSpread = 0.03
	}
	if cfg.Detector.DefaultOrderSize <= 0 {
		cfg.Detector.DefaultOrderSize = 25
	}
	if cfg.Detector.ArbCooldownMs <= 0 {
		cfg.Detector.ArbCooldownMs = 2000
	}
	if cfg.Detector.MMCooldownMs <= 0 {
		cfg.Detector.MMCooldownMs = 5000
	}

	if cfg.Risk.MaxPerMarket <= 0 {
		cfg.Risk.MaxPerMarket = 100
	}
	if cfg.Risk.MaxGlobal <= 0 {
		cfg.Risk.MaxGlobal = 500
	}
	if cfg.Risk.MaxDailyLoss <= 0 {
		cfg.Risk.MaxDailyLoss = 50
	}
	if cfg.Risk.MaxConsecutiveFailures <= 0 {
		cfg.Risk.MaxConsecutiveFailures = 5
	}

	if cfg.Execution.StalenessTolerance == 0 {
		cfg.Execution.StalenessTolerance = 2
	}
	if cfg.Execution.MaxAttempts <= 0 {
		cfg.Execution.MaxAttempts = 3
	}
	if cfg.Execution.BaseBackoffMs <= 0 {
		cfg.Execution.BaseBackoffMs = 200
	}
	if cfg.Execution.MaxBackoffMs <= 0 {
		cfg.Execution.MaxBackoffMs = 2000
	}
	if cfg.Execution.OrderMaxAgeSeconds <= 0 {
		cfg.Execution.OrderMaxAgeSeconds = 30
	}
	if cfg.Execution.SweepIntervalMs <= 0 {
		cfg.Execution.SweepIntervalMs = 1000
	}
	if cfg.Execution.VenuePollIntervalMs <= 0 {
		cfg.Execution.VenuePollIntervalMs = 1000
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyarb.db"
	}

	if cfg.Dashboard.IntervalSeconds <= 0 {
		cfg.Dashboard.IntervalSeconds = 5
	}
	if cfg.Dashboard.RedisPrefix == "" {
		cfg.Dashboard.RedisPrefix = "polyarb"
	}
	if cfg.Dashboard.RedisTTLSeconds <= 0 {
		cfg.Dashboard.RedisTTLSeconds = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
