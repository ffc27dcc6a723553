// Command savedump prints the contents of a save file as JSON.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/icyseptember2237/bridge"
	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	luajson "layeh.com/gopher-json"
)

type config struct {
	In     string
	Raw    bool
	Script string
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	cfg := config{}
	fs.StringVar(&cfg.In, "in", "", "save file to read")
	fs.BoolVar(&cfg.Raw, "raw", true, "decode objects and class-tagged tables as {class, data|value} without hooks; "+
		"-raw=false runs the class hooks and fails on saves holding objects, since savedump registers no classes")
	fs.StringVar(&cfg.Script, "config", "", "optional Lua config script")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.In == "" {
		return cfg, errors.New("-in is required")
	}
	return cfg, nil
}

func run(cfg config, out io.Writer) error {
	base := bridge.DefaultConfig()
	if cfg.Script != "" {
		var err error
		if base, err = bridge.LoadConfigScript(cfg.Script); err != nil {
			return err
		}
	}
	bcfg, err := bridge.LoadConfig(base)
	if err != nil {
		return err
	}
	log, err := bridge.NewLogger(bcfg)
	if err != nil {
		return err
	}
	b, err := bridge.NewBridge(bcfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	f, err := os.Open(cfg.In)
	if err != nil {
		return err
	}
	defer f.Close()
	sf, err := bridge.ReadSaveFile(f)
	if err != nil {
		return err
	}
	log.Info("read save",
		zap.String("file", cfg.In),
		zap.Int("version", sf.Version),
		zap.Time("created", sf.Created),
		zap.Strings("modules", sf.Modules))

	var v lua.LValue
	if cfg.Raw {
		v, err = b.Serializer.UnpickleRaw(sf.Pickle)
	} else {
		v, err = b.Serializer.Unpickle(sf.Pickle)
	}
	if err != nil {
		return err
	}
	data, err := luajson.Encode(v)
	if err != nil {
		// Shared or mixed-key tables; fall back to the generic conversion.
		log.Debug("json module could not encode save, converting", zap.Error(err))
		if data, err = json.MarshalIndent(bridge.ToGoValue(v), "", "  "); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse flags: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "savedump: %+v\n", err)
		os.Exit(1)
	}
}
