package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var requiredEnv = map[string]string{
	"POOL_URL":  "stratum+tcp://pool.example.com:3333",
	"POOL_USER": "wallet.rig",
	"POOL_PASS": "x",
}

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for key, value := range vars {
		t.Setenv(key, value)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "required values only",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"ALGORITHM":  "lyra2rev3",
				"WORK_SIZE":  "4194304",
				"RETRIES":    "5",
				"FAIL_PAUSE": "3s",
				"RECONNECT":  "false",
				"DEVICES":    "tcp://127.0.0.1:5555, tcp://127.0.0.1:5556",
			},
			wantErr: false,
		},
		{
			name:    "missing url",
			envVars: map[string]string{"POOL_URL": ""},
			wantErr: true,
		},
		{
			name:    "unsupported algorithm",
			envVars: map[string]string{"ALGORITHM": "sha256d"},
			wantErr: true,
		},
		{
			name:    "work size not a multiple of 256",
			envVars: map[string]string{"WORK_SIZE": "1000"},
			wantErr: true,
		},
		{
			name: "largest work size for two devices",
			envVars: map[string]string{
				"WORK_SIZE": "2147483648",
				"DEVICES":   "tcp://127.0.0.1:5555,tcp://127.0.0.1:5556",
			},
			wantErr: false,
		},
		{
			name: "work size larger than a device share",
			envVars: map[string]string{
				"WORK_SIZE": "2147483648",
				"DEVICES":   "tcp://127.0.0.1:5555,tcp://127.0.0.1:5556,tcp://127.0.0.1:5557",
			},
			wantErr: true,
		},
		{
			name:    "negative diff factor",
			envVars: map[string]string{"DIFF_FACTOR": "-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, requiredEnv)
			setEnv(t, tt.envVars)
			chdir(t, t.TempDir())

			_, err := Load("")
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	setEnv(t, requiredEnv)
	if _, err := Load(filepath.Join(t.TempDir(), "none.toml")); err == nil {
		t.Error("Load() of a missing explicit file should fail")
	}
}

func TestLoadEnvironment(t *testing.T) {
	setEnv(t, requiredEnv)
	setEnv(t, map[string]string{
		"ALGORITHM":  "lyra2rev3",
		"WORK_SIZE":  "4194304",
		"RETRIES":    "5",
		"FAIL_PAUSE": "3s",
		"RECONNECT":  "false",
		"DEVICES":    "tcp://127.0.0.1:5555, tcp://127.0.0.1:5556",
	})
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Algorithm != "Lyra2REv3" {
		t.Errorf("Algorithm = %q, want canonical Lyra2REv3", cfg.Algorithm)
	}
	if cfg.WorkSize != 4194304 || cfg.Retries != 5 || cfg.FailPause != 3*time.Second || cfg.Reconnect {
		t.Errorf("unexpected config %+v", cfg)
	}
	want := []string{"tcp://127.0.0.1:5555", "tcp://127.0.0.1:5556"}
	if !reflect.DeepEqual(cfg.Devices, want) {
		t.Errorf("Devices = %v, want %v", cfg.Devices, want)
	}
}

func TestDefaults(t *testing.T) {
	setEnv(t, requiredEnv)
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retries != -1 || cfg.FailPause != 10*time.Second || cfg.Timeout != 300*time.Second {
		t.Errorf("stratum defaults = %+v", cfg)
	}
	if cfg.WorkSize != 1<<20 || cfg.TimeLimit != 0 || !cfg.Reconnect || !cfg.Extranonce || cfg.StratumStats {
		t.Errorf("mining defaults = %+v", cfg)
	}
	if cfg.RedisURL != "" || cfg.InfluxURL != "" || len(cfg.KafkaBrokers) != 0 || cfg.APIListen != "" {
		t.Error("telemetry sinks should be disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	const content = `
[pool]
url = "stratum+tls://pool.example.com:4443"
user = "file.rig"
pass = "secret"
algorithm = "Lyra2REv2"

[stratum]
retries = 2
fail_pause = "1s"
extranonce = false
stats = true

[mining]
work_size = 262144
time_limit = "10m"
devices = ["ipc:///tmp/gpu0"]

[telemetry]
redis_url = "redis://localhost:6379/1"
status_interval = "5s"
`
	path := filepath.Join(t.TempDir(), "miner.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POOL_USER", "env.rig")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PoolURL != "stratum+tls://pool.example.com:4443" || cfg.PoolPass != "secret" {
		t.Errorf("pool = %q %q", cfg.PoolURL, cfg.PoolPass)
	}
	if cfg.PoolUser != "env.rig" {
		t.Errorf("PoolUser = %q, environment should override the file", cfg.PoolUser)
	}
	if cfg.Retries != 2 || cfg.FailPause != time.Second || cfg.Extranonce || !cfg.StratumStats {
		t.Errorf("stratum = %+v", cfg)
	}
	if cfg.WorkSize != 262144 || cfg.TimeLimit != 10*time.Minute || len(cfg.Devices) != 1 {
		t.Errorf("mining = %+v", cfg)
	}
	if cfg.RedisURL != "redis://localhost:6379/1" || cfg.StatusInterval != 5*time.Second {
		t.Errorf("telemetry = %+v", cfg)
	}
}

func TestLoadFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miner.toml")
	if err := os.WriteFile(path, []byte("[stratum]\ntimeout = \"soon\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	setEnv(t, requiredEnv)
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted an invalid duration")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("GOMINER_CONFIG", "/etc/gominer.toml")

	tests := []struct {
		flag string
		args []string
		want string
	}{
		{"a.toml", []string{"b.toml"}, "a.toml"},
		{"", []string{"b.toml"}, "b.toml"},
		{"", nil, "/etc/gominer.toml"},
	}
	for _, tt := range tests {
		if got := Path(tt.flag, tt.args); got != tt.want {
			t.Errorf("Path(%q, %v) = %q, want %q", tt.flag, tt.args, got, tt.want)
		}
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
