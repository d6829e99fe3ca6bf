package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

// Config es la configuración completa del liquidador.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Fees      FeeConfig       `yaml:"fees"`
	Chain     ChainConfig     `yaml:"chain"`
	Positions PositionsConfig `yaml:"positions"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// EngineConfig controla el polling, el batching y los reintentos.
type EngineConfig struct {
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	BatchSize              int `yaml:"batch_size"`
	Workers                int `yaml:"workers"`
	CheckConcurrency       int `yaml:"check_concurrency"` // 0 = bounded only by the RPC rate limit
	SubmitTimeoutSeconds   int `yaml:"submit_timeout_seconds"`
	BackoffBaseMillis      int `yaml:"backoff_base_ms"`
	BackoffMaxSeconds      int `yaml:"backoff_max_seconds"`
	MaxAttempts            int `yaml:"max_attempts"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
	MaxTracked             int `yaml:"max_tracked"`
}

// FeeConfig controla la puja de gas price y su escalado tras rechazos.
type FeeConfig struct {
	InitialGwei float64 `yaml:"initial_gwei"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxGwei     float64 `yaml:"max_gwei"`
}

// ChainConfig describe el endpoint RPC y el contrato del market.
type ChainConfig struct {
	RPCURL        string  `yaml:"rpc_url"`
	ChainID       int64   `yaml:"chain_id"`
	MarketAddress string  `yaml:"market_address"`
	PrivateKey    string  `yaml:"-"` // only from env
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
	GasPerAccount uint64  `yaml:"gas_per_account"`
	GasCeiling    uint64  `yaml:"gas_ceiling"`
}

// PositionsConfig elige la fuente de posiciones: una URL de indexer o una lista fija.
type PositionsConfig struct {
	IndexerURL string   `yaml:"indexer_url"`
	RatePerSec float64  `yaml:"rate_per_sec"`
	Accounts   []string `yaml:"accounts"`
}

// StorageConfig controla dónde se persisten el journal y el historial.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// MetricsConfig controla el endpoint de Prometheus. Addr vacío lo desactiva.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML que correspondan.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Parse decodifica el YAML y aplica overrides de entorno y valores por defecto.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// PollInterval devuelve el intervalo de polling de posiciones.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalSeconds) * time.Second
}

// SubmitTimeout devuelve el deadline de un envío de absorb.
func (c *Config) SubmitTimeout() time.Duration {
	return time.Duration(c.Engine.SubmitTimeoutSeconds) * time.Second
}

// BackoffBase devuelve el primer retardo de reintento.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Engine.BackoffBaseMillis) * time.Millisecond
}

// BackoffMax devuelve el tope del retardo de reintento.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Engine.BackoffMaxSeconds) * time.Second
}

// ShutdownTimeout limita la espera de envíos en vuelo al apagar.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Engine.ShutdownTimeoutSeconds) * time.Second
}

// InitialFeeWei devuelve la puja inicial de gas price en wei.
func (c *Config) InitialFeeWei() uint64 {
	return gweiToWei(c.Fees.InitialGwei)
}

// MaxFeeWei devuelve el tope de escalado en wei.
func (c *Config) MaxFeeWei() uint64 {
	return gweiToWei(c.Fees.MaxGwei)
}

// Validate rechaza configuraciones con las que el engine no puede arrancar.
// Todo fallo es FatalConfig.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.batch_size must be > 0, got %d", c.Engine.BatchSize))
	}
	if c.Engine.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_attempts must be > 0, got %d", c.Engine.MaxAttempts))
	}
	if c.Fees.InitialGwei <= 0 || math.IsNaN(c.Fees.InitialGwei) {
		errs = append(errs, fmt.Errorf("fees.initial_gwei must be > 0, got %v", c.Fees.InitialGwei))
	}
	if c.Fees.MaxGwei < c.Fees.InitialGwei {
		errs = append(errs, fmt.Errorf("fees.max_gwei %v below fees.initial_gwei %v", c.Fees.MaxGwei, c.Fees.InitialGwei))
	}
	if c.Fees.Multiplier < 1 || math.IsNaN(c.Fees.Multiplier) || math.IsInf(c.Fees.Multiplier, 0) {
		errs = append(errs, fmt.Errorf("fees.multiplier must be >= 1, got %v", c.Fees.Multiplier))
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if !common.IsHexAddress(c.Chain.MarketAddress) {
		errs = append(errs, fmt.Errorf("chain.market_address %q is not an address", c.Chain.MarketAddress))
	}
	if c.Engine.BatchSize > 0 && c.Chain.GasPerAccount*uint64(c.Engine.BatchSize) > c.Chain.GasCeiling {
		errs = append(errs, fmt.Errorf("engine.batch_size %d × chain.gas_per_account %d exceeds chain.gas_ceiling %d",
			c.Engine.BatchSize, c.Chain.GasPerAccount, c.Chain.GasCeiling))
	}
	if c.Positions.IndexerURL == "" && len(c.Positions.Accounts) == 0 {
		errs = append(errs, errors.New("positions: set indexer_url or accounts"))
	}
	for _, a := range c.Positions.Accounts {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Errorf("positions.accounts: %q is not an address", a))
		}
	}

	if len(errs) > 0 {
		return domain.NewError(domain.KindFatalConfig, "config.Validate", errors.Join(errs...))
	}
	return nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIQUIDATOR_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIQUIDATOR_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("LIQUIDATOR_INDEXER_URL"); v != "" {
		cfg.Positions.IndexerURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
// Los fees inválidos se dejan tal cual para que Validate los rechace.
func setDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.PollIntervalSeconds <= 0 {
		e.PollIntervalSeconds = 12
	}
	if e.BatchSize == 0 {
		e.BatchSize = 10
	}
	if e.Workers <= 0 {
		e.Workers = 4
	}
	if e.SubmitTimeoutSeconds <= 0 {
		e.SubmitTimeoutSeconds = 60
	}
	if e.BackoffBaseMillis <= 0 {
		e.BackoffBaseMillis = 2000
	}
	if e.BackoffMaxSeconds <= 0 {
		e.BackoffMaxSeconds = 120
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 5
	}
	if e.ShutdownTimeoutSeconds <= 0 {
		e.ShutdownTimeoutSeconds = 90
	}
	if e.MaxTracked <= 0 {
		e.MaxTracked = 10_000
	}
	if cfg.Fees.InitialGwei == 0 {
		cfg.Fees.InitialGwei = 1
	}
	if cfg.Fees.Multiplier == 0 {
		cfg.Fees.Multiplier = 1.25
	}
	if cfg.Fees.MaxGwei == 0 {
		cfg.Fees.MaxGwei = 200
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 1
	}
	if cfg.Chain.RatePerSec <= 0 {
		cfg.Chain.RatePerSec = 20
	}
	if cfg.Chain.Burst <= 0 {
		cfg.Chain.Burst = 10
	}
	if cfg.Chain.GasPerAccount == 0 {
		cfg.Chain.GasPerAccount = 250_000
	}
	if cfg.Chain.GasCeiling == 0 {
		cfg.Chain.GasCeiling = 3_000_000
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "liquidator.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func gweiToWei(gwei float64) uint64 {
	if gwei <= 0 || math.IsNaN(gwei) {
		return 0
	}
	return uint64(math.Round(gwei * 1e9))
}
