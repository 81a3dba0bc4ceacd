package config

import (
	"errors"
	"strings"
	"testing"
)

const validConfig = `
clusters:
  search:
    eqiad:
      endpoint: https://search.svc.eqiad.wmnet:9243
      node_suffix: eqiad.wmnet
      monitoring_host: alert1001.wikimedia.org
    codfw:
      endpoint: https://search.svc.codfw.wmnet:9243
      node_suffix: codfw.wmnet
  relforge:
    eqiad:
      endpoint: https://relforge1003.eqiad.wmnet:9243
      node_suffix: eqiad.wmnet
remote:
  command: ["ssh", "-o", "BatchMode=yes"]
  sudo: true
write_control:
  host: mwmaint1002.eqiad.wmnet
  freeze_command: ["mwscript", "extensions/CirrusSearch/maintenance/FreezeWritesToCluster.php"]
  thaw_command: ["mwscript", "extensions/CirrusSearch/maintenance/FreezeWritesToCluster.php", "--thaw"]
  job_queue_command: ["mwscript", "showJobs.php", "--wiki=enwiki", "--group"]
  queue_name: cirrusSearchElasticaWrite
maintenance:
  batch_size: 3
`

func loadConfig(t *testing.T, body string) *Config {
	t.Helper()
	cfg, err := decode(strings.NewReader(body))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	return cfg
}

func TestDecodeAppliesDefaults(t *testing.T) {
	cfg := loadConfig(t, validConfig)

	if cfg.Maintenance.BatchSize != 3 {
		t.Fatalf("expected explicit batch size, got %d", cfg.Maintenance.BatchSize)
	}
	if cfg.Maintenance.ServiceName != "elasticsearch" {
		t.Fatalf("expected default service name, got %q", cfg.Maintenance.ServiceName)
	}
	if cfg.Maintenance.SettleDelaySec != 60 {
		t.Fatalf("expected default settle delay, got %d", cfg.Maintenance.SettleDelaySec)
	}
	if cfg.GreenTimeout().Minutes() != 90 {
		t.Fatalf("expected 90m green timeout, got %s", cfg.GreenTimeout())
	}
	if cfg.WriteControl.MaxDelayedJobs != 10000 {
		t.Fatalf("expected default delayed jobs threshold, got %d", cfg.WriteControl.MaxDelayedJobs)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := decode(strings.NewReader(validConfig + "\nbogus_key: true\n")); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateAggregatesProblems(t *testing.T) {
	body := `
clusters:
  search:
    eqiad:
      endpoint: ""
      node_suffix: ""
remote:
  timeout_sec: -5
maintenance:
  batch_size: -1
`
	_, err := decode(strings.NewReader(body))
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(validationErr.Problems) < 4 {
		t.Fatalf("expected several aggregated problems, got %v", validationErr.Problems)
	}
	for _, fragment := range []string{"endpoint", "node_suffix", "remote.timeout_sec", "batch_size"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected a %s problem, got %v", fragment, err)
		}
	}
}

func TestValidateRequiresPairedFreezeThaw(t *testing.T) {
	body := `
clusters:
  search:
    eqiad:
      endpoint: https://search.svc.eqiad.wmnet:9243
      node_suffix: eqiad.wmnet
write_control:
  freeze_command: ["freeze"]
`
	_, err := decode(strings.NewReader(body))
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	if !strings.Contains(err.Error(), "thaw_command") {
		t.Fatalf("expected thaw_command problem, got %v", err)
	}
	if !strings.Contains(err.Error(), "write_control.host") {
		t.Fatalf("expected host problem, got %v", err)
	}
}

func TestResolveCluster(t *testing.T) {
	cfg := loadConfig(t, validConfig)

	target, err := cfg.ResolveCluster("search", "codfw")
	if err != nil {
		t.Fatalf("resolve cluster: %v", err)
	}
	if target.Endpoint != "https://search.svc.codfw.wmnet:9243" {
		t.Fatalf("unexpected endpoint %q", target.Endpoint)
	}
	if target.NodeSuffix != "codfw.wmnet" {
		t.Fatalf("unexpected suffix %q", target.NodeSuffix)
	}
	if target.Name != "search" || target.Site != "codfw" {
		t.Fatalf("unexpected identity %s/%s", target.Name, target.Site)
	}
}

func TestResolveClusterUnknownPairing(t *testing.T) {
	cfg := loadConfig(t, validConfig)

	for _, pairing := range [][2]string{
		{"search", "esams"},
		{"cirrus", "eqiad"},
	} {
		_, err := cfg.ResolveCluster(pairing[0], pairing[1])
		var lookupErr *LookupError
		if !errors.As(err, &lookupErr) {
			t.Fatalf("expected *LookupError for %v, got %v", pairing, err)
		}
		if lookupErr.Cluster != pairing[0] || lookupErr.Site != pairing[1] {
			t.Fatalf("lookup error does not identify the pairing: %+v", lookupErr)
		}
	}
}
