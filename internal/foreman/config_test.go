package foreman

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hexops/autogold/v2"
)

func TestConfigRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "foreman", "config.toml")
	size := int64(50)
	want := &Config{
		ExternalURL:      "https://ci.example.com",
		Address:          ":443",
		Secret:           "admin-secret",
		MaxArtifactsSize: &size,
		Runner: RunnerConfig{
			URL:          "https://ci.example.com",
			Tags:         []string{"linux", "docker"},
			PollInterval: "3s",
		},
	}
	if err := want.WriteTo(file); err != nil {
		t.Fatal(err)
	}
	var got Config
	if err := LoadConfig(file, &got); err != nil {
		t.Fatal(err)
	}
	autogold.Expect("https://ci.example.com").Equal(t, got.ExternalURL)
	autogold.Expect(int64(50)).Equal(t, *got.MaxArtifactsSize)
	autogold.Expect([]string{"linux", "docker"}).Equal(t, got.Runner.Tags)
}

func TestConfigValidate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte("HeartbeatThreshold = \"soon\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var c Config
	if err := LoadConfig(file, &c); err == nil {
		t.Fatal("expected an error for an invalid duration")
	}

	c = Config{ObjectStore: ObjectStoreConfig{Enabled: true}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an object store without a bucket")
	}
}

func TestConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	c := &Config{DataDir: dir}
	if got := c.LogFilePath(); got != filepath.Join(dir, "foreman.log") {
		t.Fatalf("unexpected log file path %q", got)
	}
	autogold.Expect(3600).Equal(t, c.buildTimeout())
	autogold.Expect("20m0s").Equal(t, c.heartbeatThreshold().String())
}

func TestClient(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.toml")
	if err := (&Config{ExternalURL: "https://ci.example.com"}).WriteTo(file); err != nil {
		t.Fatal(err)
	}
	if _, err := Client(file); err == nil {
		t.Fatal("expected an error without a secret")
	}
	if err := (&Config{ExternalURL: "https://ci.example.com", Secret: "s3cr3t"}).WriteTo(file); err != nil {
		t.Fatal(err)
	}
	client, err := Client(file)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("https://ci.example.com").Equal(t, client.URL)
}
