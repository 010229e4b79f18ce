// Irrigation Gateway
// Main entry point for the irrigation gateway service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/irrigation-gateway/internal/gateway"
)

// Config represents the configuration file structure
type Config struct {
	Gateway struct {
		ID           string `yaml:"id"`
		DatabasePath string `yaml:"database_path"`
	} `yaml:"gateway"`

	Radio struct {
		EventURL        string `yaml:"event_url"`
		CommandURL      string `yaml:"command_url"`
		Frequency       uint32 `yaml:"frequency"`
		SpreadingFactor uint32 `yaml:"spreading_factor"`
		Bandwidth       uint32 `yaml:"bandwidth"`
		CodingRate      string `yaml:"coding_rate"`
		TxPower         int32  `yaml:"tx_power"`
	} `yaml:"radio"`

	Pump struct {
		ValuePath string `yaml:"value_path"`
		ActiveLow bool   `yaml:"active_low"`
	} `yaml:"pump"`

	Modem struct {
		Device       string `yaml:"device"`
		APN          string `yaml:"apn"`
		MQTTBroker   string `yaml:"mqtt_broker"`
		MQTTPort     int    `yaml:"mqtt_port"`
		MQTTClientID string `yaml:"mqtt_client_id"`
		MQTTUser     string `yaml:"mqtt_user"`
		MQTTPass     string `yaml:"mqtt_pass"`
	} `yaml:"modem"`

	PubSub struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"pubsub"`

	Auth struct {
		SharedToken   string   `yaml:"shared_token"`
		BTToken       string   `yaml:"bt_token"`
		LoRaToken     string   `yaml:"lora_token"`
		MQToken       string   `yaml:"mq_token"`
		RecoveryToken string   `yaml:"recovery_token"`
		AdminPhones   []string `yaml:"admin_phones"`
		CountryCode   string   `yaml:"country_code"`
	} `yaml:"auth"`

	Alerts struct {
		Broadcast      *bool `yaml:"broadcast"`
		AlertOnBoot    *bool `yaml:"on_boot"`
		AlertOnSchFail *bool `yaml:"on_schedule_fail"`
		AlertOnCmdFail *bool `yaml:"on_command_fail"`
	} `yaml:"alerts"`

	Timing struct {
		AckTimeout     int `yaml:"ack_timeout"`
		MaxRetries     int `yaml:"max_retries"`
		DriftThreshold int `yaml:"drift_threshold"`
		DriftInterval  int `yaml:"drift_interval"`
	} `yaml:"timing"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "irrigation-gateway",
		Short: "Irrigation Gateway",
		Long:  "Gateway service for field irrigation control. Drives valve nodes over the long-range radio and takes commands over SMS, pub/sub, and the local link.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway service",
		RunE:  runGateway,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Irrigation Gateway v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/irrigation/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	gwCfg := gateway.DefaultConfig()

	if cfg.Gateway.DatabasePath != "" {
		gwCfg.DatabasePath = cfg.Gateway.DatabasePath
	}

	if cfg.Radio.EventURL != "" {
		gwCfg.Radio.EventURL = cfg.Radio.EventURL
	}
	if cfg.Radio.CommandURL != "" {
		gwCfg.Radio.CommandURL = cfg.Radio.CommandURL
	}
	if cfg.Radio.Frequency != 0 {
		gwCfg.Radio.Frequency = cfg.Radio.Frequency
	}
	if cfg.Radio.SpreadingFactor != 0 {
		gwCfg.Radio.SpreadingFactor = cfg.Radio.SpreadingFactor
	}
	if cfg.Radio.Bandwidth != 0 {
		gwCfg.Radio.Bandwidth = cfg.Radio.Bandwidth
	}
	if cfg.Radio.CodingRate != "" {
		gwCfg.Radio.CodingRate = cfg.Radio.CodingRate
	}
	if cfg.Radio.TxPower != 0 {
		gwCfg.Radio.TxPower = cfg.Radio.TxPower
	}

	gwCfg.PumpValuePath = cfg.Pump.ValuePath
	gwCfg.PumpActiveLow = cfg.Pump.ActiveLow

	gwCfg.ModemDevice = cfg.Modem.Device
	gwCfg.Modem.APN = cfg.Modem.APN
	if cfg.Modem.MQTTBroker != "" {
		gwCfg.Modem.MQTTBroker = cfg.Modem.MQTTBroker
	}
	if cfg.Modem.MQTTPort != 0 {
		gwCfg.Modem.MQTTPort = cfg.Modem.MQTTPort
	}
	if cfg.Modem.MQTTClientID != "" {
		gwCfg.Modem.MQTTClientID = cfg.Modem.MQTTClientID
	}
	gwCfg.Modem.MQTTUser = cfg.Modem.MQTTUser
	gwCfg.Modem.MQTTPass = cfg.Modem.MQTTPass

	gwCfg.PubSubURL = cfg.PubSub.URL
	gwCfg.PubSub.APIKey = cfg.PubSub.APIKey
	gwCfg.PubSub.GatewayID = cfg.Gateway.ID

	gwCfg.Auth.SharedToken = cfg.Auth.SharedToken
	gwCfg.Auth.BTToken = cfg.Auth.BTToken
	gwCfg.Auth.LoRaToken = cfg.Auth.LoRaToken
	gwCfg.Auth.MQToken = cfg.Auth.MQToken
	gwCfg.Auth.RecoveryToken = cfg.Auth.RecoveryToken
	gwCfg.Auth.AdminPhones = cfg.Auth.AdminPhones
	gwCfg.Auth.CountryCode = cfg.Auth.CountryCode

	if cfg.Alerts.Broadcast != nil {
		gwCfg.Status.Broadcast = *cfg.Alerts.Broadcast
	}
	if cfg.Alerts.AlertOnBoot != nil {
		gwCfg.Status.AlertOnBoot = *cfg.Alerts.AlertOnBoot
	}
	if cfg.Alerts.AlertOnSchFail != nil {
		gwCfg.Status.AlertOnSchFail = *cfg.Alerts.AlertOnSchFail
	}
	if cfg.Alerts.AlertOnCmdFail != nil {
		gwCfg.Status.AlertOnCmdFail = *cfg.Alerts.AlertOnCmdFail
	}

	if cfg.Timing.AckTimeout > 0 {
		gwCfg.Link.AckTimeout = secondsToDuration(cfg.Timing.AckTimeout)
	}
	if cfg.Timing.MaxRetries > 0 {
		gwCfg.Link.MaxRetries = cfg.Timing.MaxRetries
	}
	if cfg.Timing.DriftThreshold > 0 {
		gwCfg.Drift.Threshold = secondsToDuration(cfg.Timing.DriftThreshold)
	}
	if cfg.Timing.DriftInterval > 0 {
		gwCfg.Drift.CheckInterval = secondsToDuration(cfg.Timing.DriftInterval)
	}

	gw, err := gateway.New(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting Irrigation Gateway %s", cfg.Gateway.ID)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if err := gw.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
