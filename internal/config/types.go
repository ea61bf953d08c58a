package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("15s", "2m"); schedules also accept HH:MM and cron expressions.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	HTTP       HTTPConfig       `json:"http"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Reaper     ReaperConfig     `json:"reaper"`
	Clear      ClearConfig      `json:"clear"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec throttles every outbound API call.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// GroupLog is the operator chat that receives log lines (0 disables).
	GroupLog int64 `json:"group_log,omitempty"`
	// APIURL targets a self-hosted Bot API server.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the directory and queue backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/chatwarden.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path,omitempty"`
	DSN            string `json:"dsn,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type HTTPConfig struct {
	// Enabled is a pointer so an omitted section keeps the API on.
	Enabled        *bool    `json:"enabled,omitempty"`
	Addr           string   `json:"addr,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	Token          string   `json:"token,omitempty"` // optional bearer token (do not log)
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	IdleTimeout    string   `json:"idle_timeout,omitempty"`
}

func (h HTTPConfig) On() bool { return h.Enabled == nil || *h.Enabled }

type DispatcherConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	DeletePolicy string `json:"delete_policy,omitempty"`
	ParseMode    string `json:"parse_mode,omitempty"`
	AlbumSize    int    `json:"album_size,omitempty"`
}

func (d DispatcherConfig) On() bool { return d.Enabled == nil || *d.Enabled }

type ReaperConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

func (r ReaperConfig) On() bool { return r.Enabled == nil || *r.Enabled }

type ClearConfig struct {
	// Workers bounds concurrent group sweeps; 1 keeps them sequential.
	Workers int    `json:"workers,omitempty"`
	JobTTL  string `json:"job_ttl,omitempty"`
	JobMax  int    `json:"job_max,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}
