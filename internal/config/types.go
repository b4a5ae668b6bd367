package config

// Config is the top-level YAML configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Every section defaults safely when omitted; see Normalize.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Vault     VaultConfig     `yaml:"vault"`
	Email     EmailConfig     `yaml:"email"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig controls the sqlite database shared by the trigger table,
// the delivery log and the credential ciphertexts.
type StorageConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout,omitempty"`
}

// VaultConfig controls the credential vault. The master key lives in its own
// file, never inside the database that holds the ciphertexts.
type VaultConfig struct {
	KeyPath string `yaml:"key_path"`
}

type EmailConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// FromName is the display name used on outgoing mail.
	FromName string `yaml:"from_name,omitempty"`
}

type WhatsAppConfig struct {
	// BaseURL is the provider API root, e.g. "https://api.twilio.com/2010-04-01".
	BaseURL string `yaml:"base_url"`
}

type TelegramConfig struct {
	Enabled     bool     `yaml:"enabled"`
	AdminChatID int64    `yaml:"admin_chat_id"`
	PollTimeout Duration `yaml:"poll_timeout,omitempty"`
}

// DispatchConfig controls the delivery pipeline: per-channel worker pools,
// rate limits and the retry/backoff policy.
type DispatchConfig struct {
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	RatePerSec    int      `yaml:"rate_per_sec"`
	RetryMax      int      `yaml:"retry_max"`
	RetryBase     Duration `yaml:"retry_base"`
	RetryMaxDelay Duration `yaml:"retry_max_delay"`
	SendTimeout   Duration `yaml:"send_timeout"`
}

// SchedulerConfig controls trigger evaluation.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval between evaluation passes; a pass that overruns the interval
	// causes the next tick to be skipped, never to overlap.
	Interval Duration `yaml:"interval,omitempty"`
	// ScanLimit caps how many due triggers one pass picks up.
	ScanLimit int `yaml:"scan_limit,omitempty"`
	// EscalationCadence is the re-fire cadence for overdue tasks.
	EscalationCadence Duration `yaml:"escalation_cadence,omitempty"`
	// ShiftReminderLead is how long before a shift ends the reminder fires.
	ShiftReminderLead Duration `yaml:"shift_reminder_lead,omitempty"`
}
