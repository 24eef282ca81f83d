package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestConfigFileOverlaysEngineSettings(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "perimetra.yaml")
	body := `data-dir: /var/lib/perimetra
rules: /etc/perimetra/rules.yaml
snapshot-url: s3://bucket/snaps
strict: true
`
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	prev := cfgFile
	cfgFile = file
	t.Cleanup(func() {
		cfgFile = prev
		viper.Reset()
	})

	initConfig()
	applyConfig()

	if config.DataDir != "/var/lib/perimetra" {
		t.Errorf("DataDir = %q", config.DataDir)
	}
	if config.RulesFile != "/etc/perimetra/rules.yaml" {
		t.Errorf("RulesFile = %q", config.RulesFile)
	}
	if config.SnapshotURL != "s3://bucket/snaps" {
		t.Errorf("SnapshotURL = %q", config.SnapshotURL)
	}
	if !config.StrictMode {
		t.Error("StrictMode not picked up from the config file")
	}
}
