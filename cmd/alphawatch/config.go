package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/omeid/uconfig"
)

type config struct {
	Page struct {
		URL                string `env:"ALPHA_URL" default:"https://alpha123.uk/zh"`
		Language           string `env:"LANGUAGE" default:"zh"`
		Timezone           string `env:"TIMEZONE" default:"Asia/Taipei"`
		WaitSelector       string `env:"WAIT_SELECTOR" default:""`
		ExtraWaitMS        int    `env:"EXTRA_WAIT_MS" default:"1000"`
		GotoTimeoutSeconds int    `env:"GOTO_TIMEOUT_SECONDS" default:"60"`
		Proxy              string `env:"PLAYWRIGHT_PROXY" default:""`
	}
	Watch struct {
		CheckInterval string `env:"CHECK_INTERVAL" default:"60s"`
		RunOnce       string `env:"RUN_ONCE" default:"false"`
	}
	Reminder struct {
		Offsets       string `env:"REMINDER_OFFSETS" default:"30,5"`
		AheadMinutes  int    `env:"AHEAD_MINUTES" default:"30"`
		QuietHours    string `env:"QUIET_HOURS" default:""`
		NotifyTBAOnce string `env:"NOTIFY_TBA_ONCE" default:"false"`
		StateFile     string `env:"STATE_FILE" default:"./state/alpha-state.json"`
		StateTTLHours int    `env:"STATE_TTL_HOURS" default:"48"`
	}
	DB struct {
		Host        string `env:"DB_HOST" default:"127.0.0.1"`
		Port        int    `env:"DB_PORT" default:"5432"`
		User        string `env:"DB_USER" default:"alpha"`
		Password    string `env:"DB_PASSWORD" default:""`
		Name        string `env:"DB_NAME" default:"alpha_bot"`
		PoolMinSize int    `env:"DB_POOL_MINSIZE" default:"1"`
		PoolMaxSize int    `env:"DB_POOL_MAXSIZE" default:"5"`
		SchemaPath  string `env:"DB_SCHEMA_PATH" default:"./migrations/schema.sql"`
	}
	Spug struct {
		BaseURL        string `env:"SPUG_BASE_URL" default:"https://push.spug.cc"`
		Token          string `env:"SPUG_TOKEN" default:""`
		TimeoutSeconds int    `env:"SPUG_TIMEOUT_SECONDS" default:"10"`
		Channel        string `env:"SPUG_CHANNEL" default:"voice"`
		QuietChannel   string `env:"SPUG_QUIET_CHANNEL" default:""`
		XsendUserID    string `env:"SPUG_XSEND_USER_ID" default:""`
		TemplateID     string `env:"SPUG_TEMPLATE_ID" default:""`
		Targets        string `env:"SPUG_TARGETS" default:""`
		Proxy          string `env:"SPUG_PROXY" default:""`
	}
	Metrics struct {
		Port string `env:"METRICS_PORT" default:"9090"`
	}
	Log struct {
		Level string `env:"LOG_LEVEL" default:"info"`
		Human string `env:"LOG_HUMAN" default:"false"`
	}
}

func setupConfig() *config {
	conf := &config{}

	c, err := uconfig.Classic(&conf, uconfig.Files{})
	if err != nil {
		c.Usage()
		os.Exit(1)
	}

	return conf
}

// parseBool accepts the loose truthy spellings used in deployment env files.
func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, piece := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(piece); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseOffsets parses a comma-separated list of positive reminder offsets in
// minutes.
func parseOffsets(raw string) ([]int, error) {
	var offsets []int
	for _, piece := range splitList(raw) {
		offset, err := strconv.Atoi(piece)
		if err != nil || offset <= 0 {
			return nil, fmt.Errorf("invalid reminder offset %q", piece)
		}
		offsets = append(offsets, offset)
	}
	if len(offsets) == 0 {
		return nil, fmt.Errorf("no reminder offsets configured")
	}
	return offsets, nil
}
