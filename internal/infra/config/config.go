package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQP struct {
		URL      string `envconfig:"AMQP_URL"`
		Exchange string `envconfig:"AMQP_LEAD_EXCHANGE" default:"leads"`
	} `envconfig:""`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	APIAddr     string `envconfig:"API_ADDR" default:":8081"`
	BotAddr     string `envconfig:"BOT_ADDR" default:":8080"`

	ChannelURL string `envconfig:"CHANNEL_URL"`

	Webhook struct {
		URL    string `envconfig:"N8N_WEBHOOK_URL"`
		Secret string `envconfig:"N8N_WEBHOOK_SECRET"`

		RetryHot        int `envconfig:"WEBHOOK_RETRY_HOT" default:"5"`
		RetryCalculated int `envconfig:"WEBHOOK_RETRY_CALCULATED" default:"3"`
		RetryCold       int `envconfig:"WEBHOOK_RETRY_COLD" default:"2"`
	} `envconfig:""`

	Drip struct {
		Enabled          bool  `envconfig:"ENABLE_DRIP_FOLLOWUPS" default:"true"`
		CheckIntervalSec int   `envconfig:"DRIP_CHECK_INTERVAL_SEC" default:"60"`
		StageMinutes     []int `envconfig:"DRIP_STAGE_THRESHOLDS_MIN" default:"60,1440"`
	} `envconfig:""`

	Timers struct {
		CalculatedEnabled    bool `envconfig:"ENABLE_CALCULATED_TIMER" default:"true"`
		CalculatedDelayMin   int  `envconfig:"CALCULATED_TIMER_DELAY_MIN" default:"60"`
		StalledDelayMin      int  `envconfig:"STALLED_REMINDER_DELAY_MIN" default:"30"`
		DelayedOfferDelaySec int  `envconfig:"DELAYED_OFFER_DELAY_SEC" default:"3"`
	} `envconfig:""`

	RateLimit struct {
		Requests  int `envconfig:"USER_REQUESTS_LIMIT" default:"30"`
		WindowSec int `envconfig:"USER_REQUESTS_WINDOW_SEC" default:"60"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if err := validateStages(cfg.Drip.StageMinutes); err != nil {
		log.Fatalf("некорректные пороги DRIP-рассылки: %v", err)
	}
	return cfg
}

// DripInterval возвращает интервал сканирования.
func (c AppConfig) DripInterval() time.Duration {
	return time.Duration(c.Drip.CheckIntervalSec) * time.Second
}

// DripThresholds возвращает пороги этапов в виде длительностей.
func (c AppConfig) DripThresholds() []time.Duration {
	thresholds := make([]time.Duration, 0, len(c.Drip.StageMinutes))
	for _, minutes := range c.Drip.StageMinutes {
		thresholds = append(thresholds, time.Duration(minutes)*time.Minute)
	}
	return thresholds
}

func validateStages(minutes []int) error {
	if len(minutes) == 0 {
		return fmt.Errorf("нужен хотя бы один этап")
	}
	prev := 0
	for i, threshold := range minutes {
		if threshold <= prev {
			return fmt.Errorf("пороги должны строго возрастать: этап %d (%d мин)", i+1, threshold)
		}
		prev = threshold
	}
	return nil
}
