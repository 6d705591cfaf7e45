// Package config resolves the supervisor's configuration from a YAML file,
// WSUP_-prefixed environment variables, and command-line flags, in that
// order of increasing precedence, using spf13/viper the way the reference
// CLI in the pack layers its own config sources.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// WorkerPolicy names what the supervisor does when a worker exits
// uncleanly (spec.md §4.C / §9 scenario 3-4).
type WorkerPolicy string

const (
	PolicyRestart   WorkerPolicy = "restart"
	PolicyTerminate WorkerPolicy = "terminate"
)

// WorkerSoloCount is the pool-size threshold at or under which every
// worker reports has_lock=true without ever calling try_acquire
// (spec.md §9).
const WorkerSoloCount = 3

// Config is every option spec.md §6 names, plus the sibling toggles and
// reseed interval SPEC_FULL adds around them.
type Config struct {
	WorkerCount           int          `mapstructure:"worker_count"`
	WorkerSetAffinity     bool         `mapstructure:"worker_set_affinity"`
	WorkerMaxConnections  int          `mapstructure:"worker_max_connections"`
	WorkerRlimitNoFiles   uint64       `mapstructure:"worker_rlimit_nofiles"`
	WorkerAcceptThreshold int          `mapstructure:"worker_accept_threshold"`
	WorkerPolicy          WorkerPolicy `mapstructure:"worker_policy"`

	RunAsUser  string `mapstructure:"runas_user"`
	RootPath   string `mapstructure:"root_path"`
	SkipRunAs  bool   `mapstructure:"skip_runas"`
	SkipChroot bool   `mapstructure:"skip_chroot"`

	KeymgrEnabled  bool   `mapstructure:"keymgr_enabled"`
	ACMEEnabled    bool   `mapstructure:"acme_enabled"`
	CertDir        string `mapstructure:"cert_dir"`
	ChallengeDir   string `mapstructure:"challenge_dir"`
	ReseedInterval string `mapstructure:"reseed_interval"`

	JournalPath string `mapstructure:"journal_path"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	AdminSocket string `mapstructure:"admin_socket"`
}

// defaults mirrors spec.md §6's stated defaults exactly.
func defaults(v *viper.Viper) {
	v.SetDefault("worker_count", 0)
	v.SetDefault("worker_set_affinity", true)
	v.SetDefault("worker_max_connections", 512)
	v.SetDefault("worker_rlimit_nofiles", 768)
	v.SetDefault("worker_accept_threshold", 16)
	v.SetDefault("worker_policy", string(PolicyRestart))
	v.SetDefault("skip_runas", false)
	v.SetDefault("skip_chroot", false)
	v.SetDefault("keymgr_enabled", false)
	v.SetDefault("acme_enabled", false)
	v.SetDefault("reseed_interval", "1h")
	v.SetDefault("journal_path", "/var/log/wsup/journal.log")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("admin_socket", "/var/run/wsup/admin.sock")
}

// New builds a Viper instance layered file < env < flags, per this
// package's precedence. path may be empty to skip the file layer.
func New(path string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("WSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "config: read file")
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "config: bind flags")
		}
	}

	return v, nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces spec.md §6's constraints that aren't already implied by
// the type system.
func (c *Config) Validate() error {
	if c.WorkerCount < 0 {
		return errors.New("config: worker_count must be >= 0")
	}
	switch c.WorkerPolicy {
	case PolicyRestart, PolicyTerminate:
	case "":
		c.WorkerPolicy = PolicyRestart
	default:
		return errors.Errorf("config: worker_policy %q must be %q or %q", c.WorkerPolicy, PolicyRestart, PolicyTerminate)
	}
	if !c.SkipRunAs && c.RunAsUser == "" {
		return errors.New("config: runas_user is required unless skip_runas is set")
	}
	if !c.SkipChroot && c.RootPath == "" {
		return errors.New("config: root_path is required unless skip_chroot is set")
	}
	if c.ACMEEnabled && !c.KeymgrEnabled {
		return errors.New("config: acme_enabled requires keymgr_enabled")
	}
	return nil
}

// EffectivePoolSize resolves worker_count against a detected CPU count,
// implementing spec.md §4.C's initialize(pool_size) rule.
func (c *Config) EffectivePoolSize(detectedCPUs int) int {
	if c.WorkerCount == 0 {
		return detectedCPUs
	}
	return c.WorkerCount
}
