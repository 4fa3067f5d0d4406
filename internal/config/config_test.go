package config

import "testing"

func TestLoad_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("CSDISPATCH_PORT", "9090")
	t.Setenv("CSDISPATCH_HUB__PLAYER__PER_MINUTE", "50")
	t.Setenv("CSDISPATCH_QUEUE__AUTO_ASSIGN_ON_TRANSFER", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected env override for port, got %q", cfg.Port)
	}
	if cfg.Hub.Player.PerMinute != 50 {
		t.Errorf("expected nested env override for hub.player.per_minute, got %d", cfg.Hub.Player.PerMinute)
	}
	if !cfg.Queue.AutoAssignOnTransfer {
		t.Errorf("expected queue.auto_assign_on_transfer to be true")
	}
	// Untouched defaults should survive.
	if cfg.Hub.Agent.PerMinute != 600 {
		t.Errorf("expected default hub.agent.per_minute, got %d", cfg.Hub.Agent.PerMinute)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default retry.max_attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("expected default environment to be development")
	}
}

func TestValidate_RequiresJWTSecretInProduction(t *testing.T) {
	cfg := &Config{Port: "8080", DBPath: "x.db", Environment: "production", Retry: RetryConfig{MaxAttempts: 3}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when auth.jwt_secret is empty in production")
	}

	cfg.Auth.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected validation to pass once jwt_secret is set: %v", err)
	}
}

func TestValidate_RejectsEmptyPort(t *testing.T) {
	cfg := &Config{DBPath: "x.db", Retry: RetryConfig{MaxAttempts: 3}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an empty port")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a , b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
