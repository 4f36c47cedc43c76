package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sharetube/syncwatch/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	host = configVar[string]{
		envKey:       "SERVER_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
	}
	port = configVar[int]{
		envKey:       "SERVER_PORT",
		flagKey:      "port",
		defaultValue: 8080,
	}
	logLevel = configVar[string]{
		envKey:       "SERVER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	password = configVar[string]{
		envKey:       "SERVER_PASSWORD",
		flagKey:      "password",
		defaultValue: "",
	}
	storage = configVar[string]{
		envKey:       "SERVER_STORAGE",
		flagKey:      "storage",
		defaultValue: app.StorageRedis,
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "localhost",
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
	stateKey = configVar[string]{
		envKey:       "SERVER_STATE_KEY",
		flagKey:      "state-key",
		defaultValue: "syncwatch:rooms",
	}
	stateTTL = configVar[time.Duration]{
		envKey:       "SERVER_STATE_TTL",
		flagKey:      "state-ttl",
		defaultValue: 14 * 24 * time.Hour,
	}
	durableWrites = configVar[bool]{
		envKey:       "SERVER_DURABLE_WRITES",
		flagKey:      "durable-writes",
		defaultValue: false,
	}
	recoveryGrace = configVar[time.Duration]{
		envKey:       "SERVER_RECOVERY_GRACE",
		flagKey:      "recovery-grace",
		defaultValue: 5 * time.Minute,
	}
	writeWait = configVar[time.Duration]{
		envKey:       "SERVER_WRITE_WAIT",
		flagKey:      "write-wait",
		defaultValue: time.Second,
	}
	pongWait = configVar[time.Duration]{
		envKey:       "SERVER_PONG_WAIT",
		flagKey:      "pong-wait",
		defaultValue: 60 * time.Second,
	}
	sendBuffer = configVar[int]{
		envKey:       "SERVER_SEND_BUFFER",
		flagKey:      "send-buffer",
		defaultValue: 64,
	}
)

func bind[T any](v configVar[T]) {
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

func loadAppConfig() *app.AppConfig {
	pflag.String(host.flagKey, host.defaultValue, "Server host")
	pflag.Int(port.flagKey, port.defaultValue, "Server port")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.String(password.flagKey, password.defaultValue, "Shared password required to create or join rooms")
	pflag.String(storage.flagKey, storage.defaultValue, "Room table storage: redis or memory")
	pflag.String(redisHost.flagKey, redisHost.defaultValue, "Redis host")
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, "Redis port")
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, "Redis password")
	pflag.String(stateKey.flagKey, stateKey.defaultValue, "Redis key holding the room table")
	pflag.Duration(stateTTL.flagKey, stateTTL.defaultValue, "Expiry of the persisted room table")
	pflag.Bool(durableWrites.flagKey, durableWrites.defaultValue, "Save the room table before applying each change")
	pflag.Duration(recoveryGrace.flagKey, recoveryGrace.defaultValue, "How long restored rooms wait for a client before deletion")
	pflag.Duration(writeWait.flagKey, writeWait.defaultValue, "Deadline for a single websocket write and table save")
	pflag.Duration(pongWait.flagKey, pongWait.defaultValue, "How long to wait for a pong before dropping a client")
	pflag.Int(sendBuffer.flagKey, sendBuffer.defaultValue, "Frames queued per socket before it is dropped")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	bind(host)
	bind(port)
	bind(logLevel)
	bind(password)
	bind(storage)
	bind(redisHost)
	bind(redisPort)
	bind(redisPassword)
	bind(stateKey)
	bind(stateTTL)
	bind(durableWrites)
	bind(recoveryGrace)
	bind(writeWait)
	bind(pongWait)
	bind(sendBuffer)

	return &app.AppConfig{
		Host:          viper.GetString(host.flagKey),
		Port:          viper.GetInt(port.flagKey),
		LogLevel:      viper.GetString(logLevel.flagKey),
		Password:      viper.GetString(password.flagKey),
		Storage:       viper.GetString(storage.flagKey),
		RedisHost:     viper.GetString(redisHost.flagKey),
		RedisPort:     viper.GetInt(redisPort.flagKey),
		RedisPassword: viper.GetString(redisPassword.flagKey),
		StateKey:      viper.GetString(stateKey.flagKey),
		StateTTL:      viper.GetDuration(stateTTL.flagKey),
		DurableWrites: viper.GetBool(durableWrites.flagKey),
		RecoveryGrace: viper.GetDuration(recoveryGrace.flagKey),
		WriteWait:     viper.GetDuration(writeWait.flagKey),
		PongWait:      viper.GetDuration(pongWait.flagKey),
		SendBuffer:    viper.GetInt(sendBuffer.flagKey),
	}
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	if err := app.Run(ctx, appConfig); err != nil {
		log.Fatal(err)
	}
}
