package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the application configuration
type Config struct {
	LogLevel   string `koanf:"log_level"`
	Port       int    `koanf:"port"`
	OTelStdout bool   `koanf:"otel_stdout"`
	LedgerPath string `koanf:"ledger_path"`

	IMAP   IMAPConfig   `koanf:"imap"`
	SMTP   SMTPConfig   `koanf:"smtp"`
	LLM    LLMConfig    `koanf:"llm"`
	IAS    IASConfig    `koanf:"ias"`
	Raster RasterConfig `koanf:"raster"`
	Assets AssetsConfig `koanf:"assets"`
	Reply  ReplyConfig  `koanf:"reply"`
}

// IMAPConfig holds mailbox settings
type IMAPConfig struct {
	Host             string        `koanf:"host"`
	Port             int           `koanf:"port"`
	TLS              bool          `koanf:"tls"`
	User             string        `koanf:"user"`
	Password         string        `koanf:"password"`
	Mailbox          string        `koanf:"mailbox"`
	ImportBaseDir    string        `koanf:"import_base_dir"`
	ImportLimit      int           `koanf:"import_limit"`
	MessageTimeoutMS int           `koanf:"message_timeout_ms"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	MaxTimeouts      int           `koanf:"max_timeout_retries"`
}

// MessageTimeout returns the per-message deadline, zero when disabled
func (c IMAPConfig) MessageTimeout() time.Duration {
	if c.MessageTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.MessageTimeoutMS) * time.Millisecond
}

// SMTPConfig holds mail transport settings
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Secure   bool   `koanf:"secure"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// ImplicitTLS reports whether the connection starts with TLS rather than STARTTLS
func (c SMTPConfig) ImplicitTLS() bool {
	return c.Secure || c.Port == 465
}

// LLMConfig holds the chat-completion endpoint settings
type LLMConfig struct {
	URL            string        `koanf:"url"`
	URLFallback    string        `koanf:"url_fallback"`
	APIKey         string        `koanf:"api_key"`
	Model          string        `koanf:"model"`
	AssistantModel string        `koanf:"assistant_model"`
	Timeout        time.Duration `koanf:"timeout"`
}

// BaseURL returns LM_URL, falling back to LLM_URL
func (c LLMConfig) BaseURL() string {
	if c.URL != "" {
		return c.URL
	}
	return c.URLFallback
}

// IASConfig holds the insurance administration system endpoints
type IASConfig struct {
	URL                string        `koanf:"url"`
	MemberInfoPath     string        `koanf:"member_info_path"`
	ProviderClaimPath  string        `koanf:"provider_claim_path"`
	ReimbursementPath  string        `koanf:"reimbursement_claim_path"`
	PreApprovalPath    string        `koanf:"pre_approval_path"`
	ClaimStatusPath    string        `koanf:"claim_status_path"`
	FileDownloadPath   string        `koanf:"file_download_path"`
	StatusPollAttempts int           `koanf:"status_poll_attempts"`
	StatusPollInterval time.Duration `koanf:"status_poll_interval"`
	SubmitPreApproval  bool          `koanf:"submit_pre_approval"`
	Timeout            time.Duration `koanf:"timeout"`
}

// RasterConfig holds document-to-image conversion settings
type RasterConfig struct {
	Tool    string `koanf:"tool"`
	DPI     int    `koanf:"dpi"`
	Quality int    `koanf:"quality"`
	TempDir string `koanf:"temp_dir"`
}

// AssetsConfig points at prompt and reference-data files
type AssetsConfig struct {
	PromptsDir      string `koanf:"prompts_dir"`
	InsurerListPath string `koanf:"insurer_list_path"`
}

// ReplyConfig holds reply composition settings
type ReplyConfig struct {
	UseLLM    bool   `koanf:"use_llm"`
	Signature string `koanf:"signature"`
}

// envKeys maps environment variable names onto config keys. Variables not listed
// here are ignored.
var envKeys = map[string]string{
	"LOG_LEVEL":   "log_level",
	"PORT":        "port",
	"OTEL_STDOUT": "otel_stdout",
	"LEDGER_PATH": "ledger_path",

	"IMAP_HOST":                "imap.host",
	"IMAP_PORT":                "imap.port",
	"IMAP_TLS":                 "imap.tls",
	"IMAP_USER":                "imap.user",
	"IMAP_PASSWORD":            "imap.password",
	"IMAP_MAILBOX":             "imap.mailbox",
	"IMAP_IMPORT_BASE_DIR":     "imap.import_base_dir",
	"IMAP_IMPORT_LIMIT":        "imap.import_limit",
	"IMAP_MESSAGE_TIMEOUT_MS":  "imap.message_timeout_ms",
	"IMAP_POLL_INTERVAL":       "imap.poll_interval",
	"IMAP_MAX_TIMEOUT_RETRIES": "imap.max_timeout_retries",

	"SMTP_HOST":     "smtp.host",
	"SMTP_PORT":     "smtp.port",
	"SMTP_SECURE":   "smtp.secure",
	"SMTP_USER":     "smtp.user",
	"SMTP_PASSWORD": "smtp.password",
	"SMTP_FROM":     "smtp.from",

	"LM_URL":          "llm.url",
	"LLM_URL":         "llm.url_fallback",
	"LLM_API_KEY":     "llm.api_key",
	"MODEL":           "llm.model",
	"MODEL_ASSISTANT": "llm.assistant_model",
	"LLM_TIMEOUT":     "llm.timeout",

	"IAS_URL":                  "ias.url",
	"GET_MEMBER_INFO_API":      "ias.member_info_path",
	"PROVIDER_CLAIM_API":       "ias.provider_claim_path",
	"REIMBURSEMENT_CLAIM_API":  "ias.reimbursement_claim_path",
	"CL_PRE_APP_CLAIM_API":     "ias.pre_approval_path",
	"CLAIM_STATUS_API":         "ias.claim_status_path",
	"FILE_DOWNLOAD_API":        "ias.file_download_path",
	"IAS_STATUS_POLL_ATTEMPTS": "ias.status_poll_attempts",
	"IAS_STATUS_POLL_INTERVAL": "ias.status_poll_interval",
	"IAS_TIMEOUT":              "ias.timeout",
	"PAF_SUBMIT":               "ias.submit_pre_approval",

	"PDFTOPPM_PATH":  "raster.tool",
	"RASTER_DPI":     "raster.dpi",
	"RASTER_QUALITY": "raster.quality",
	"RASTER_TMP_DIR": "raster.temp_dir",

	"PROMPTS_DIR":       "assets.prompts_dir",
	"INSURER_LIST_PATH": "assets.insurer_list_path",

	"REPLY_LLM":       "reply.use_llm",
	"REPLY_SIGNATURE": "reply.signature",
}

var defaults = map[string]interface{}{
	"log_level":   "info",
	"port":        3000,
	"ledger_path": "./data/ledger.db",

	"imap.port":            993,
	"imap.tls":             true,
	"imap.mailbox":         "INBOX",
	"imap.import_base_dir": "./data/imports",

	"smtp.port": 465,

	"llm.timeout": "120s",

	"ias.status_poll_attempts": 3,
	"ias.status_poll_interval": "2s",
	"ias.timeout":              "60s",

	"raster.tool":    "pdftoppm",
	"raster.dpi":     300,
	"raster.quality": 90,

	"assets.prompts_dir":       "./prompts",
	"assets.insurer_list_path": "./data/insurers.json",

	"reply.signature": "Claims Assistant",
}

// LoadConfig loads configuration from defaults, an optional YAML file named by
// CONFIG_FILE, a .env file when present, and environment variables (highest wins).
func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[strings.ToUpper(s)]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IMAP.Host == "" || c.IMAP.User == "" || c.IMAP.Password == "" {
		return fmt.Errorf("IMAP_HOST, IMAP_USER, and IMAP_PASSWORD must be configured")
	}
	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("invalid IMAP_PORT")
	}
	if c.IMAP.ImportBaseDir == "" {
		return fmt.Errorf("IMAP_IMPORT_BASE_DIR is required")
	}
	if c.IMAP.ImportLimit < 0 {
		return fmt.Errorf("IMAP_IMPORT_LIMIT must not be negative")
	}

	if c.SMTP.Host == "" || c.SMTP.User == "" || c.SMTP.Password == "" || c.SMTP.From == "" {
		return fmt.Errorf("SMTP_HOST, SMTP_USER, SMTP_PASSWORD, and SMTP_FROM must be configured")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid SMTP_PORT")
	}

	if c.LLM.BaseURL() == "" {
		return fmt.Errorf("LM_URL/LLM_URL environment variable is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("MODEL environment variable is required")
	}
	if c.LLM.AssistantModel == "" {
		return fmt.Errorf("MODEL_ASSISTANT environment variable is required")
	}

	if c.IAS.URL == "" {
		return fmt.Errorf("IAS_URL must be configured")
	}
	if c.IAS.MemberInfoPath == "" {
		return fmt.Errorf("GET_MEMBER_INFO_API must be configured")
	}
	if c.IAS.StatusPollAttempts < 1 {
		return fmt.Errorf("IAS_STATUS_POLL_ATTEMPTS must be at least 1")
	}

	if c.Raster.DPI < 72 || c.Raster.DPI > 1200 {
		return fmt.Errorf("RASTER_DPI must be between 72 and 1200")
	}
	if c.Raster.Quality < 1 || c.Raster.Quality > 100 {
		return fmt.Errorf("RASTER_QUALITY must be between 1 and 100")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT")
	}
	return nil
}
