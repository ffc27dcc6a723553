package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/icyseptember2237/bridge"
	"github.com/pkg/errors"
)

func writeSave(t *testing.T, pickle string) string {
	t.Helper()
	data, err := json.Marshal(&bridge.SaveFile{
		Format:  "bridge-pickle",
		Version: 1,
		Created: time.Now().UTC(),
		Modules: []string{"party"},
		Pickle:  []byte(pickle),
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "save.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(flag.NewFlagSet("savedump", flag.ContinueOnError), []string{"-in", "save.json"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.In != "save.json" || !cfg.Raw {
		t.Errorf("got %+v, want raw decoding of save.json", cfg)
	}
	if _, err := parseConfig(flag.NewFlagSet("savedump", flag.ContinueOnError), nil); err == nil {
		t.Errorf("missing -in accepted")
	}
}

func TestRunDumpsObjects(t *testing.T) {
	path := writeSave(t, "t1\ns5\nparty\nt2\ns6\nleader\nuEntity\n3\norc\nn\nn\n")
	cfg, err := parseConfig(flag.NewFlagSet("savedump", flag.ContinueOnError), []string{"-in", path})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := run(cfg, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"class":"Entity"`, `"data":"orc"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %s lacks %s", out.String(), want)
		}
	}

	cfg.Raw = false
	var corrupt *bridge.CorruptSaveError
	if err := run(cfg, &out); !errors.As(err, &corrupt) {
		t.Errorf("got %v, want CorruptSaveError without registered classes", err)
	}
}
