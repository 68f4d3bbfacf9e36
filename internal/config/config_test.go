package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("operator.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != StoreBackendSQLite {
		t.Fatalf("expected sqlite backend, got %q", cfg.StoreBackend)
	}
	if cfg.NotifyMode != NotifyModeLog {
		t.Fatalf("expected log notify mode, got %q", cfg.NotifyMode)
	}
	if cfg.ElsewhereSite != "zz_elsewhere" {
		t.Fatalf("unexpected elsewhere site %q", cfg.ElsewhereSite)
	}
	if cfg.InactivityThreshold() != 180*24*time.Hour {
		t.Fatalf("unexpected inactivity threshold %s", cfg.InactivityThreshold())
	}
	if cfg.FeedConsumer != "naturenet-propagator" || cfg.FeedPollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected change feed settings %q %s", cfg.FeedConsumer, cfg.FeedPollInterval)
	}
}

func TestLoadRejectsNonPositiveFeedPollInterval(t *testing.T) {
	configViper := NewViper()
	configViper.Set("operator.signing_secret", "secret")
	configViper.Set("feed.poll_interval", "0s")

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "feed.poll_interval") {
		t.Fatalf("expected feed.poll_interval error, got %v", err)
	}
}

func TestLoadRequiresOperatorSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected missing operator secret to fail")
	}
}

func TestLoadRequiresMongoSettingsForMongoBackend(t *testing.T) {
	configViper := NewViper()
	configViper.Set("operator.signing_secret", "secret")
	configViper.Set("store.backend", "mongo")

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "mongo.uri") {
		t.Fatalf("expected mongo.uri error, got %v", err)
	}
}

func TestLoadRequiresSMTPForLiveMode(t *testing.T) {
	configViper := NewViper()
	configViper.Set("operator.signing_secret", "secret")
	configViper.Set("notify.mode", "live")

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "smtp.host") {
		t.Fatalf("expected smtp.host error, got %v", err)
	}
}

func TestLoadSplitsDevEmails(t *testing.T) {
	configViper := NewViper()
	configViper.Set("operator.signing_secret", "secret")
	configViper.Set("notify.dev_emails", []string{"a@example.org, b@example.org"})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.DevEmails) != 2 || cfg.DevEmails[1] != "b@example.org" {
		t.Fatalf("unexpected dev emails %#v", cfg.DevEmails)
	}
}

func TestLoadRejectsInvalidDevEmail(t *testing.T) {
	configViper := NewViper()
	configViper.Set("operator.signing_secret", "secret")
	configViper.Set("notify.dev_emails", []string{"not-an-address"})

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected invalid dev email to fail validation")
	}
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("expected missing dotenv to be ignored, got %v", err)
	}
}

func TestLoadDotEnvPopulatesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("NATURENET_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("NATURENET_TEST_DOTENV") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("NATURENET_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("expected dotenv value, got %q", got)
	}
}

func TestLoadSiteCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	content := `sites:
  - id: aces
    name: ACES
    description: Aspen Center for Environmental Studies
    location: [-106.8175, 39.1911]
  - id: rcnc
    name: RCNC
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	sites, err := LoadSiteCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if len(sites) != 2 || sites[0].Location[1] != 39.1911 {
		t.Fatalf("unexpected sites %#v", sites)
	}
	names := SiteNames(sites)
	if names["rcnc"] != "RCNC" {
		t.Fatalf("unexpected names %#v", names)
	}
}

func TestLoadSiteCatalogRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	content := "sites:\n  - id: aces\n  - id: aces\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadSiteCatalog(path); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}
