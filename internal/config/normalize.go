package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSensor()
	c.normalizeWatch()
	if err := c.normalizeSFTP(); err != nil {
		return err
	}
	c.normalizeOpenTera()
	c.normalizeWatcher()
	c.normalizeNetwork()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.DataRoot) == "" {
		c.Paths.DataRoot = defaultDataRoot
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	var err error
	if c.Paths.DataRoot, err = expandPath(c.Paths.DataRoot); err != nil {
		return fmt.Errorf("paths.data_root: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeSensor() {
	c.Sensor.Bind = strings.TrimSpace(c.Sensor.Bind)
	if c.Sensor.Bind == "" {
		c.Sensor.Bind = defaultSensorBind
	}
	if c.Sensor.ValueWidth == 0 {
		c.Sensor.ValueWidth = defaultSensorValueWidth
	}
	if c.Sensor.IdleTimeoutSeconds == 0 {
		c.Sensor.IdleTimeoutSeconds = defaultSensorIdleTimeout
	}
}

func (c *Config) normalizeWatch() {
	c.Watch.Bind = strings.TrimSpace(c.Watch.Bind)
	if c.Watch.Bind == "" {
		c.Watch.Bind = defaultWatchBind
	}
	if c.Watch.DebounceSeconds == 0 {
		c.Watch.DebounceSeconds = defaultWatchDebounce
	}
	if c.Watch.DeviceTimeoutSeconds == 0 {
		c.Watch.DeviceTimeoutSeconds = defaultWatchDeviceTimeout
	}
}

func (c *Config) normalizeSFTP() error {
	c.SFTP.Hostname = strings.TrimSpace(c.SFTP.Hostname)
	c.SFTP.Username = strings.TrimSpace(c.SFTP.Username)
	if c.SFTP.Password == "" {
		if value, ok := os.LookupEnv("PIHUB_SFTP_PASSWORD"); ok {
			c.SFTP.Password = value
		}
	}
	if c.SFTP.Port == 0 {
		c.SFTP.Port = defaultSFTPPort
	}
	if c.SFTP.RetrySeconds == 0 {
		c.SFTP.RetrySeconds = defaultSFTPRetrySeconds
	}
	if c.SFTP.DialTimeoutSeconds == 0 {
		c.SFTP.DialTimeoutSeconds = defaultSFTPDialTimeout
	}
	c.SFTP.BaseFolder = strings.Trim(strings.TrimSpace(c.SFTP.BaseFolder), "/")
	if strings.TrimSpace(c.SFTP.KnownHostsFile) != "" {
		expanded, err := expandPath(c.SFTP.KnownHostsFile)
		if err != nil {
			return fmt.Errorf("sftp.known_hosts_file: %w", err)
		}
		c.SFTP.KnownHostsFile = expanded
	}
	return nil
}

func (c *Config) normalizeOpenTera() {
	c.OpenTera.Hostname = strings.TrimSpace(c.OpenTera.Hostname)
	if c.OpenTera.DeviceRegisterKey == "" {
		if value, ok := os.LookupEnv("PIHUB_OPENTERA_REGISTER_KEY"); ok {
			c.OpenTera.DeviceRegisterKey = strings.TrimSpace(value)
		}
	}
	if c.OpenTera.Port == 0 {
		c.OpenTera.Port = defaultOpenTeraPort
	}
	if c.OpenTera.RetrySeconds == 0 {
		c.OpenTera.RetrySeconds = defaultOpenTeraRetrySeconds
	}
	if c.OpenTera.MaxRetries == 0 {
		c.OpenTera.MaxRetries = defaultOpenTeraMaxRetries
	}
	if c.OpenTera.MaxEvents == 0 {
		c.OpenTera.MaxEvents = defaultOpenTeraMaxEvents
	}
	c.OpenTera.BatteryFile = strings.TrimSpace(c.OpenTera.BatteryFile)
	if c.OpenTera.BatteryTimestampOffset == 0 {
		c.OpenTera.BatteryTimestampOffset = defaultBatteryTimestampOffset
	}
	if c.OpenTera.RequestTimeoutSeconds == 0 {
		c.OpenTera.RequestTimeoutSeconds = defaultOpenTeraRequestTimeout
	}
}

func (c *Config) normalizeWatcher() {
	c.Watcher.SensorID = strings.TrimSpace(c.Watcher.SensorID)
	c.Watcher.MountMarker = strings.TrimSpace(c.Watcher.MountMarker)
	if c.Watcher.MountMarker == "" {
		c.Watcher.MountMarker = defaultMountMarker
	}
	if c.Watcher.SettleMillis == 0 {
		c.Watcher.SettleMillis = defaultWatcherSettleMillis
	}
}

func (c *Config) normalizeNetwork() {
	c.Network.ProbeURL = strings.TrimSpace(c.Network.ProbeURL)
	if c.Network.ProbeTimeoutSeconds == 0 {
		c.Network.ProbeTimeoutSeconds = defaultProbeTimeoutSeconds
	}
	c.Network.Interface = strings.TrimSpace(c.Network.Interface)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNtfyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
