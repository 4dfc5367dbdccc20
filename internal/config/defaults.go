package config

const (
	defaultConfigPath             = "~/.config/pihub/config.toml"
	defaultDataRoot               = "~/.local/share/pihub/data"
	defaultStateDir               = "~/.local/share/pihub/state"
	defaultLogDir                 = "~/.local/share/pihub/logs"
	defaultAPIBind                = "127.0.0.1:7490"
	defaultSensorBind             = "0.0.0.0:3000"
	defaultSensorValueWidth       = 4
	defaultSensorIdleTimeout      = 10
	defaultWatchBind              = "0.0.0.0:8080"
	defaultWatchDebounce          = 30
	defaultWatchDeviceTimeout     = 300
	defaultMinimalDatasetSeconds  = 10
	defaultSFTPPort               = 22
	defaultSFTPRetrySeconds       = 300
	defaultSFTPDialTimeout        = 15
	defaultOpenTeraPort           = 40075
	defaultOpenTeraRetrySeconds   = 120
	defaultOpenTeraMaxRetries     = 5
	defaultOpenTeraMaxEvents      = 100
	defaultOpenTeraSessionTypeID  = 1
	defaultOpenTeraRequestTimeout = 30
	defaultBatteryFile            = "watch_Battery.data"
	defaultBatteryTimestampOffset = 8
	defaultMountMarker            = "/mnt/app"
	defaultWatcherSettleMillis    = 1000
	defaultProbeURL               = "https://www.google.com"
	defaultProbeTimeoutSeconds    = 5
	defaultMinFreeMiB             = 256
	defaultNtfyRequestTimeout     = 10
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataRoot: defaultDataRoot,
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		General: General{},
		Sensor: Sensor{
			Bind:               defaultSensorBind,
			ValueWidth:         defaultSensorValueWidth,
			IdleTimeoutSeconds: defaultSensorIdleTimeout,
		},
		Watch: Watch{
			Bind:                  defaultWatchBind,
			DebounceSeconds:       defaultWatchDebounce,
			DeviceTimeoutSeconds:  defaultWatchDeviceTimeout,
			MinimalDatasetSeconds: defaultMinimalDatasetSeconds,
		},
		SFTP: SFTP{
			Port:               defaultSFTPPort,
			RetrySeconds:       defaultSFTPRetrySeconds,
			DialTimeoutSeconds: defaultSFTPDialTimeout,
		},
		OpenTera: OpenTera{
			Port:                   defaultOpenTeraPort,
			DefaultSessionTypeID:   defaultOpenTeraSessionTypeID,
			RetrySeconds:           defaultOpenTeraRetrySeconds,
			MaxRetries:             defaultOpenTeraMaxRetries,
			MaxEvents:              defaultOpenTeraMaxEvents,
			BatteryFile:            defaultBatteryFile,
			BatteryTimestampOffset: defaultBatteryTimestampOffset,
			RequestTimeoutSeconds:  defaultOpenTeraRequestTimeout,
		},
		Watcher: Watcher{
			MountMarker:  defaultMountMarker,
			SettleMillis: defaultWatcherSettleMillis,
		},
		Network: Network{
			ProbeURL:            defaultProbeURL,
			ProbeTimeoutSeconds: defaultProbeTimeoutSeconds,
			MonitorInterfaces:   true,
			MinFreeMiB:          defaultMinFreeMiB,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
			Transfers:      true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
