package uci

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/drivedetect/pkg"
)

const sampleConfig = `
# drivedetect configuration
config drivedetect 'main'
	option log_level 'debug'
	option state_path '/tmp/drivedetect/state.db'
	option api_listen '0.0.0.0:9000'
	option permission_file '/run/drivedetect/permission'

config classifier 'classifier'
	option speed_threshold '6.5'
	option window_size '3'

config location 'location'
	list providers 'gps'
	option min_interval_ms '2000'
	option min_distance_m '0'

config telemetry 'telemetry'
	option enabled '1'
	option url 'https://telemetry.example.com/driving'
	option user_agent 'DriveSafe fleet agent'

config mqtt 'mqtt'
	option enabled '1'
	option broker 'broker.lan'
	option topic_prefix 'car/42'

config notification 'notification'
	option status_file '/tmp/drivedetect/status.json'
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drivedetect")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5.0, cfg.SpeedThreshold)
	assert.Equal(t, 5, cfg.WindowSize)
	assert.Equal(t, []string{"gps", "network"}, cfg.Providers)

	sc := cfg.SessionConfig()
	assert.Equal(t, 5*time.Second, sc.MinInterval)
	assert.Equal(t, 10.0, sc.MinDistance)
	assert.Equal(t, 30*time.Second, sc.ProviderRecheck)
	assert.Equal(t, []pkg.ProviderID{pkg.ProviderGPS, pkg.ProviderNetwork}, sc.Providers)

	tc := cfg.TelemetryConfig()
	assert.False(t, tc.Enabled)
	assert.Equal(t, 10*time.Second, tc.Timeout)
}

func TestLoadConfig_ParsesSections(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/drivedetect/state.db", cfg.StatePath)
	assert.Equal(t, "0.0.0.0:9000", cfg.APIConfig().Listen)
	assert.Equal(t, "/run/drivedetect/permission", cfg.PermissionFile)

	assert.Equal(t, 6.5, cfg.SpeedThreshold)
	assert.Equal(t, 3, cfg.WindowSize)
	assert.Equal(t, []string{"gps"}, cfg.Providers)
	assert.Equal(t, 2*time.Second, cfg.SessionConfig().MinInterval)
	assert.Zero(t, cfg.SessionConfig().MinDistance)

	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "https://telemetry.example.com/driving", cfg.TelemetryConfig().URL)
	assert.Equal(t, "DriveSafe fleet agent", cfg.Telemetry.UserAgent)

	mq := cfg.MQTTConfig()
	assert.True(t, mq.Enabled)
	assert.Equal(t, "broker.lan", mq.Broker)
	assert.Equal(t, 1883, mq.Port)
	assert.Equal(t, "car/42", mq.TopicPrefix)

	assert.Equal(t, "/tmp/drivedetect/status.json", cfg.StatusFile)
}

func TestLoadConfig_InvalidNumber(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config classifier 'c'\n\toption window_size 'five'\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoadConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"threshold": "config classifier 'c'\n\toption speed_threshold '0'\n",
		"window":    "config classifier 'c'\n\toption window_size '0'\n",
		"log level": "config drivedetect 'main'\n\toption log_level 'loud'\n",
		"telemetry": "config telemetry 't'\n\toption enabled '1'\n",
		"mqtt qos":  "config mqtt 'm'\n\toption enabled '1'\n\toption qos '3'\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	err := cfg.applyEnv([]string{
		"HOME=/root",
		"DRIVEDETECT_LOG_LEVEL=warn",
		"DRIVEDETECT_TELEMETRY_URL=http://collector:8080/report",
		"DRIVEDETECT_TELEMETRY_ENABLED=1",
		"DRIVEDETECT_LOCATION_PROVIDERS=network,gps",
		"DRIVEDETECT_CLASSIFIER_WINDOW_SIZE=7",
		"DRIVEDETECT_MQTT_PORT=8883",
	})
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "http://collector:8080/report", cfg.Telemetry.URL)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, []string{"network", "gps"}, cfg.Providers)
	assert.Equal(t, 7, cfg.WindowSize)
	assert.Equal(t, 8883, cfg.MQTT.Port)

	err = cfg.applyEnv([]string{"DRIVEDETECT_CLASSIFIER_SPEED_THRESHOLD=fast"})
	assert.Error(t, err)
}

func TestLoadConfigWithEnv_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "drivedetect.env")
	require.NoError(t, os.WriteFile(envFile, []byte("DRIVEDETECT_API_AUTH_KEY=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("DRIVEDETECT_API_AUTH_KEY") })

	cfg, err := LoadConfigWithEnv(filepath.Join(t.TempDir(), "absent"), envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.APIAuthKey)

	// a missing env file is not an error
	_, err = LoadConfigWithEnv(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "none.env"))
	assert.NoError(t, err)
}

func TestSplitWord(t *testing.T) {
	w, rest := splitWord(`option user_agent 'a b c'`)
	assert.Equal(t, "option", w)
	w, rest = splitWord(rest)
	assert.Equal(t, "user_agent", w)
	w, rest = splitWord(rest)
	assert.Equal(t, "'a b c'", w)
	assert.Equal(t, "", rest)
	assert.Equal(t, "a b c", unquote(w))
}
