// Package config loads the gateway's YAML configuration files and
// assembles the runtime objects: buses, devices, rule sets, and the
// sender/notifier/storage settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"talos"
	"talos/device"
	"talos/monitor"
	"talos/sender"
	"talos/store"

	"gopkg.in/yaml.v3"
)

// loadYAML reads and unmarshals one file into out.
func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// BusEntry configures one serial port in modbus_device.yml.
type BusEntry struct {
	Port     string  `yaml:"port"`
	Baudrate int     `yaml:"baudrate"`
	DataBits int     `yaml:"data_bits,omitempty"`
	Parity   string  `yaml:"parity,omitempty"`
	StopBits int     `yaml:"stop_bits,omitempty"`
	Timeout  float64 `yaml:"timeout,omitempty"` // seconds
}

// DeviceEntry is one physical device in modbus_device.yml. Bus names a
// shared bus; Port is a shorthand for a dedicated one.
type DeviceEntry struct {
	Model     string   `yaml:"model"`
	Type      string   `yaml:"type"`
	ModelFile string   `yaml:"model_file"`
	SlaveID   uint8    `yaml:"slave_id"`
	Bus       string   `yaml:"bus,omitempty"`
	Port      string   `yaml:"port,omitempty"`
	Modes     []string `yaml:"modes,omitempty"`
}

// ModbusDeviceFile is modbus_device.yml.
type ModbusDeviceFile struct {
	Buses   map[string]BusEntry `yaml:"buses"`
	Devices []DeviceEntry       `yaml:"devices"`
}

// LoadModbusDevices reads modbus_device.yml.
func LoadModbusDevices(path string) (*ModbusDeviceFile, error) {
	var f ModbusDeviceFile
	if err := loadYAML(path, &f); err != nil {
		return nil, err
	}
	if len(f.Devices) == 0 {
		return nil, fmt.Errorf("%s: no devices configured", path)
	}
	return &f, nil
}

// DriverFile is one <model>.yml register map definition.
type DriverFile struct {
	RegisterType string                         `yaml:"register_type,omitempty"`
	RegisterMap  map[string]*device.RegisterDef `yaml:"register_map"`
	OnOff        *device.OnOff                  `yaml:"on_off,omitempty"`
	MaxRegsPer   uint16                         `yaml:"max_regs_per_req,omitempty"`
}

// LoadDriver reads one driver file.
func LoadDriver(path string) (*DriverFile, error) {
	var f DriverFile
	if err := loadYAML(path, &f); err != nil {
		return nil, err
	}
	if len(f.RegisterMap) == 0 {
		return nil, fmt.Errorf("%s: empty register_map", path)
	}
	return &f, nil
}

// InstanceOverride is one slave's block in device_instance_config.yml.
type InstanceOverride struct {
	Constraints    map[string]talos.Bounds        `yaml:"constraints,omitempty"`
	Initialization map[string]float64             `yaml:"initialization,omitempty"`
	Pins           map[string]*device.RegisterDef `yaml:"pins,omitempty"`
	Binding        *device.OnOffBinding           `yaml:"on_off_binding,omitempty"`
}

// ModelInstanceConfig is one model's block in device_instance_config.yml.
type ModelInstanceConfig struct {
	DefaultConstraints map[string]talos.Bounds    `yaml:"default_constraints,omitempty"`
	Initialization     map[string]float64         `yaml:"initialization,omitempty"`
	Instances          map[uint8]InstanceOverride `yaml:"instances,omitempty"`
}

// InstanceFile is device_instance_config.yml.
type InstanceFile struct {
	GlobalDefaults map[string]talos.Bounds        `yaml:"global_defaults,omitempty"`
	Models         map[string]ModelInstanceConfig `yaml:"models"`
}

// LoadInstances reads device_instance_config.yml. A missing file yields
// an empty config.
func LoadInstances(path string) (*InstanceFile, error) {
	var f InstanceFile
	if err := loadYAML(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &InstanceFile{}, nil
		}
		return nil, err
	}
	return &f, nil
}

// ConstraintsFor resolves the 3-level merge for one device: global
// defaults, then model defaults, then the instance override.
func (f *InstanceFile) ConstraintsFor(model string, slaveID uint8) talos.ConstraintPolicy {
	policy := talos.ConstraintPolicy(f.GlobalDefaults).Merge(nil)
	mc, ok := f.Models[model]
	if !ok {
		return policy
	}
	policy = policy.Merge(mc.DefaultConstraints)
	if inst, ok := mc.Instances[slaveID]; ok {
		policy = policy.Merge(inst.Constraints)
	}
	return policy
}

// InitializationFor resolves initial writes for one device, instance
// values overriding model values.
func (f *InstanceFile) InitializationFor(model string, slaveID uint8) map[string]float64 {
	out := make(map[string]float64)
	mc, ok := f.Models[model]
	if !ok {
		return out
	}
	for k, v := range mc.Initialization {
		out[k] = v
	}
	if inst, ok := mc.Instances[slaveID]; ok {
		for k, v := range inst.Initialization {
			out[k] = v
		}
	}
	return out
}

// SystemFile is system_config.yml.
type SystemFile struct {
	GatewayID       string  `yaml:"gateway_id"`
	LogLevel        string  `yaml:"log_level,omitempty"`
	PollIntervalSec float64 `yaml:"poll_interval_sec,omitempty"`
	DeviceTimeout   float64 `yaml:"device_timeout_sec,omitempty"`
	ReadConcurrency int64   `yaml:"read_concurrency,omitempty"`
	AdminListen     string  `yaml:"admin_listen,omitempty"`
	AdminKey        string  `yaml:"admin_key,omitempty"`
	// Subscribers toggles registered runners by name; empty enables all.
	Subscribers map[string]bool `yaml:"subscribers,omitempty"`

	VirtualDevices []monitor.VirtualDevice `yaml:"virtual_devices,omitempty"`
}

// LoadSystem reads system_config.yml.
func LoadSystem(path string) (*SystemFile, error) {
	var f SystemFile
	if err := loadYAML(path, &f); err != nil {
		return nil, err
	}
	if f.GatewayID == "" {
		return nil, fmt.Errorf("%s: missing gateway_id", path)
	}
	return &f, nil
}

// MonitorConfig converts the system file's poll settings.
func (f *SystemFile) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:        secs(f.PollIntervalSec),
		DeviceTimeout:   secs(f.DeviceTimeout),
		ReadConcurrency: f.ReadConcurrency,
	}
}

// SenderFile is sender_config.yml. Durations are in seconds to match the
// deployed config format.
type SenderFile struct {
	URL                   string  `yaml:"url"`
	IntervalSec           float64 `yaml:"interval_sec"`
	AnchorSec             float64 `yaml:"anchor_sec,omitempty"`
	FreshWindowSec        float64 `yaml:"fresh_window_sec,omitempty"`
	LastKnownTTLSec       float64 `yaml:"last_known_ttl_sec,omitempty"`
	AttemptCount          int     `yaml:"attempt_count,omitempty"`
	AttemptGapSec         float64 `yaml:"attempt_gap_sec,omitempty"`
	HTTPTimeoutSec        float64 `yaml:"http_timeout_sec,omitempty"`
	OutboxDir             string  `yaml:"outbox_dir"`
	ProtectRecentSec      float64 `yaml:"protect_recent_sec,omitempty"`
	ResendStartDelaySec   float64 `yaml:"resend_start_delay_sec,omitempty"`
	FailResendIntervalSec float64 `yaml:"fail_resend_interval_sec,omitempty"`
	ResendAnchorOffsetSec float64 `yaml:"resend_anchor_offset_sec,omitempty"`
	FailResendBatch       int     `yaml:"fail_resend_batch,omitempty"`
	MaxRetry              int     `yaml:"max_retry,omitempty"`
	LastPostOkWithinSec   float64 `yaml:"last_post_ok_within_sec,omitempty"`

	ResendQuotaMB      int64 `yaml:"resend_quota_mb,omitempty"`
	FSFreeMinMB        int64 `yaml:"fs_free_min_mb,omitempty"`
	ResendCleanupBatch int   `yaml:"resend_cleanup_batch,omitempty"`

	DeviceIndexes map[string]int               `yaml:"device_indexes,omitempty"`
	FieldMaps     map[string]map[string]string `yaml:"field_maps,omitempty"`

	NTPPool         string  `yaml:"ntp_pool,omitempty"`
	NTPIntervalSec  float64 `yaml:"ntp_interval_sec,omitempty"`
	NTPThresholdSec float64 `yaml:"ntp_threshold_sec,omitempty"`
}

// LoadSender reads sender_config.yml.
func LoadSender(path string) (*SenderFile, error) {
	var f SenderFile
	if err := loadYAML(path, &f); err != nil {
		return nil, err
	}
	if f.URL == "" {
		return nil, fmt.Errorf("%s: missing url", path)
	}
	if f.OutboxDir == "" {
		return nil, fmt.Errorf("%s: missing outbox_dir", path)
	}
	return &f, nil
}

// SenderConfig converts the file into the sender's runtime config.
func (f *SenderFile) SenderConfig() sender.Config {
	return sender.Config{
		URL:                f.URL,
		Interval:           secs(f.IntervalSec),
		Anchor:             secs(f.AnchorSec),
		FreshWindow:        secs(f.FreshWindowSec),
		LastKnownTTL:       secs(f.LastKnownTTLSec),
		AttemptCount:       f.AttemptCount,
		AttemptGap:         secs(f.AttemptGapSec),
		HTTPTimeout:        secs(f.HTTPTimeoutSec),
		OutboxDir:          f.OutboxDir,
		ProtectRecent:      secs(f.ProtectRecentSec),
		ResendStartDelay:   secs(f.ResendStartDelaySec),
		FailResendInterval: secs(f.FailResendIntervalSec),
		ResendAnchorOffset: secs(f.ResendAnchorOffsetSec),
		FailResendBatch:    f.FailResendBatch,
		MaxRetry:           f.MaxRetry,
		LastPostOkWithin:   secs(f.LastPostOkWithinSec),
		Quota: sender.QuotaConfig{
			QuotaMB:      f.ResendQuotaMB,
			FSFreeMinMB:  f.FSFreeMinMB,
			CleanupBatch: f.ResendCleanupBatch,
		},
	}
}

// StorageFile is snapshot_storage.yml.
type StorageFile struct {
	Path                 string  `yaml:"path"`
	RetentionDays        float64 `yaml:"retention_days,omitempty"`
	CleanupIntervalHours float64 `yaml:"cleanup_interval_hours,omitempty"`
	VacuumAfterCleanup   bool    `yaml:"vacuum_after_cleanup,omitempty"`
	VacuumIntervalDays   float64 `yaml:"vacuum_interval_days,omitempty"`
}

// LoadStorage reads snapshot_storage.yml.
func LoadStorage(path string) (*StorageFile, error) {
	var f StorageFile
	if err := loadYAML(path, &f); err != nil {
		return nil, err
	}
	if f.Path == "" {
		return nil, fmt.Errorf("%s: missing path", path)
	}
	return &f, nil
}

// RetentionConfig converts the file into the cleaner's runtime config.
func (f *StorageFile) RetentionConfig() store.RetentionConfig {
	return store.RetentionConfig{
		Retention:      time.Duration(f.RetentionDays * 24 * float64(time.Hour)),
		CheckInterval:  time.Duration(f.CleanupIntervalHours * float64(time.Hour)),
		VacuumAfter:    f.VacuumAfterCleanup,
		VacuumInterval: time.Duration(f.VacuumIntervalDays * 24 * float64(time.Hour)),
	}
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
