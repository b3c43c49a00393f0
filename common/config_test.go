package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("127.0.0.1:6379", cfg.Redis.Addr)
		assert.NotNil(cfg.Gateway)
		assert.Equal(uint16(3000), cfg.Gateway.HTTPSetting.Server.Port)
		assert.Equal(30, cfg.Gateway.Websocket.HeartbeatInterval)
		assert.Equal(300, cfg.Gateway.Websocket.MaxIdle)
		assert.Equal(1000, cfg.Gateway.Dispatch.ActiveTick)
		assert.Equal(5000, cfg.Gateway.Dispatch.IdleTick)
		assert.Equal("Telegate-Request-ID", cfg.Gateway.HTTPSetting.Logging.RequestIDHeader)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
gateway:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
gateway:
  websocket:
    heartbeat_interval_sec: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: override the push scheduling
	{
		config := []byte(`---
gateway:
  dispatch:
    active_tick_msec: 250
    idle_tick_msec: 2000`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(250, cfg.Gateway.Dispatch.ActiveTick)
		assert.Equal(2000, cfg.Gateway.Dispatch.IdleTick)
	}
}
