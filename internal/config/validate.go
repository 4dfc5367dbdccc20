package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateGeneral(); err != nil {
		return err
	}
	if err := c.validateSensor(); err != nil {
		return err
	}
	if err := c.validateWatch(); err != nil {
		return err
	}
	if err := c.validateSFTP(); err != nil {
		return err
	}
	if err := c.validateOpenTera(); err != nil {
		return err
	}
	if err := c.validateWatcher(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateGeneral() error {
	if c.General.EnableSFTP && c.General.EnableOpenTera {
		return errors.New("general: enable_sftp and enable_opentera are mutually exclusive")
	}
	if c.General.EnableWatchServer && !c.General.EnableSFTP && !c.General.EnableOpenTera {
		return errors.New("general: the watch server requires a sync backend (enable_sftp or enable_opentera)")
	}
	return nil
}

func (c *Config) validateSensor() error {
	if c.Sensor.ValueWidth != 2 && c.Sensor.ValueWidth != 4 {
		return fmt.Errorf("sensor.value_width must be 2 or 4, got %d", c.Sensor.ValueWidth)
	}
	if c.Sensor.IdleTimeoutSeconds < 0 {
		return errors.New("sensor.idle_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateWatch() error {
	if c.Watch.DebounceSeconds < 0 {
		return errors.New("watch.debounce_seconds must be positive")
	}
	if c.Watch.DeviceTimeoutSeconds < 0 {
		return errors.New("watch.device_timeout_seconds must be positive")
	}
	if c.Watch.MinimalDatasetSeconds < 0 {
		return errors.New("watch.minimal_dataset_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateSFTP() error {
	if !c.General.EnableSFTP && !c.General.EnableFolderWatcher {
		return nil
	}
	if c.SFTP.Hostname == "" {
		return errors.New("sftp.hostname must be set when the sftp backend or folder watcher is enabled")
	}
	if c.SFTP.Username == "" {
		return errors.New("sftp.username must be set when the sftp backend or folder watcher is enabled")
	}
	if err := validatePort("sftp.port", c.SFTP.Port); err != nil {
		return err
	}
	if c.SFTP.RetrySeconds < 0 || c.SFTP.DialTimeoutSeconds < 0 {
		return errors.New("sftp: retry_seconds and dial_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateOpenTera() error {
	if !c.General.EnableOpenTera {
		return nil
	}
	if c.OpenTera.Hostname == "" {
		return errors.New("opentera.hostname must be set when enable_opentera is true")
	}
	if err := validatePort("opentera.port", c.OpenTera.Port); err != nil {
		return err
	}
	if c.OpenTera.RetrySeconds < 0 {
		return errors.New("opentera.retry_seconds must be positive")
	}
	if c.OpenTera.MaxRetries < 0 {
		return errors.New("opentera.max_retries must not be negative")
	}
	if c.OpenTera.MaxEvents < 0 {
		return errors.New("opentera.max_events must not be negative")
	}
	if c.OpenTera.BatteryTimestampOffset < 8 {
		return errors.New("opentera.battery_timestamp_offset must be at least 8 bytes")
	}
	return nil
}

func (c *Config) validateWatcher() error {
	if !c.General.EnableFolderWatcher {
		return nil
	}
	if c.Watcher.SensorID == "" {
		return errors.New("watcher.sensor_id must be set when enable_folder_watcher is true")
	}
	if strings.ContainsAny(c.Watcher.SensorID, `/\`) {
		return fmt.Errorf("watcher.sensor_id %q must not contain path separators", c.Watcher.SensorID)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
