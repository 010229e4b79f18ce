// Package storage provides SQLite database operations for the
// irrigation gateway.
package storage

import "time"

// Event is one row of the gateway event log
type Event struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // "sch", "cmd", "auth", "link", "clock"
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Setting keys used across the gateway
const (
	SettingMsgCounter     = "msg_counter"
	SettingLastNTPSync    = "last_ntp_sync"
	SettingSharedToken    = "shared_token"
	SettingBTToken        = "bt_token"
	SettingLoRaToken      = "lora_token"
	SettingMQToken        = "mq_token"
	SettingRecoveryToken  = "recovery_token"
	SettingAdminPhones    = "admin_phones" // comma-separated E.164
	SettingCountryCode    = "country_code"
	SettingDriftThreshold = "drift_threshold_s"
	SettingSyncInterval   = "sync_interval_h"
	SettingLastCloseDelay = "last_close_delay_ms"
)
