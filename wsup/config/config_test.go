package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wsup.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeYAML(t, "runas_user: nobody\nroot_path: /srv/wsup\n")

	v, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.WorkerCount != 0 {
		t.Errorf("WorkerCount = %d, want 0", c.WorkerCount)
	}
	if !c.WorkerSetAffinity {
		t.Error("WorkerSetAffinity default should be true")
	}
	if c.WorkerMaxConnections != 512 {
		t.Errorf("WorkerMaxConnections = %d, want 512", c.WorkerMaxConnections)
	}
	if c.WorkerRlimitNoFiles != 768 {
		t.Errorf("WorkerRlimitNoFiles = %d, want 768", c.WorkerRlimitNoFiles)
	}
	if c.WorkerAcceptThreshold != 16 {
		t.Errorf("WorkerAcceptThreshold = %d, want 16", c.WorkerAcceptThreshold)
	}
	if c.WorkerPolicy != PolicyRestart {
		t.Errorf("WorkerPolicy = %q, want %q", c.WorkerPolicy, PolicyRestart)
	}
}

func TestValidateRequiresRunAsUserAndRootPathUnlessSkipped(t *testing.T) {
	cases := []struct {
		name    string
		c       Config
		wantErr bool
	}{
		{"missing both", Config{}, true},
		{"missing root path", Config{RunAsUser: "nobody"}, true},
		{"skip both", Config{SkipRunAs: true, SkipChroot: true}, false},
		{"fully specified", Config{RunAsUser: "nobody", RootPath: "/srv"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	c := Config{RunAsUser: "nobody", RootPath: "/srv", WorkerPolicy: "explode"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown worker_policy")
	}
}

func TestValidateRejectsACMEWithoutKeymgr(t *testing.T) {
	c := Config{RunAsUser: "nobody", RootPath: "/srv", ACMEEnabled: true}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for acme_enabled without keymgr_enabled")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "runas_user: nobody\nroot_path: /srv\nworker_count: 2\n")

	t.Setenv("WSUP_WORKER_COUNT", "6")

	v, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.WorkerCount != 6 {
		t.Errorf("WorkerCount = %d, want 6 (env should override file)", c.WorkerCount)
	}
}

func TestEffectivePoolSizeUsesDetectedCPUsWhenZero(t *testing.T) {
	c := Config{WorkerCount: 0}
	if got := c.EffectivePoolSize(4); got != 4 {
		t.Errorf("EffectivePoolSize(4) = %d, want 4", got)
	}

	c.WorkerCount = 8
	if got := c.EffectivePoolSize(4); got != 8 {
		t.Errorf("EffectivePoolSize(4) with WorkerCount=8 = %d, want 8", got)
	}
}

