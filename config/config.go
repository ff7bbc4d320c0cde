package config

import (
	"errors"
	"log/slog"

	"github.com/spf13/viper"
)

type Config struct {
	Server     Server
	Postgres   Postgres
	Redis      Redis
	Chat       Chat
	LoggerMode LoggerMode
}

type Server struct {
	Addr string
}

type Postgres struct {
	DSN string
}

type Redis struct {
	Addr string
}

type Chat struct {
	MaxBodyRunes int
	PollBatch    int
}

type LoggerMode struct {
	JSON  bool
	Level string
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("chat.maxbodyrunes", 100)
	v.SetDefault("chat.pollbatch", 200)
	v.SetDefault("loggermode.level", "info")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	err := v.Unmarshal(&c)
	if err != nil {
		slog.Error("Unable to unmarshal config", "err", err)
		return nil, err
	}
	return &c, nil
}
