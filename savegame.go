package bridge

import (
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const (
	saveFormat  = "bridge-pickle"
	saveVersion = 1
)

// SaveFunc produces a module's payload. LoadFunc receives it back, or an empty
// table when the save has nothing for the module.
type SaveFunc func() (lua.LValue, error)
type LoadFunc func(payload lua.LValue) error

type moduleSave struct {
	name string
	save SaveFunc
	load LoadFunc
}

type retainedModule struct {
	name    string
	payload lua.LValue
}

// RegisterModuleSave adds a named participant to whole-of-state saves. Modules
// are saved in registration order.
func (s *Serializer) RegisterModuleSave(name string, save SaveFunc, load LoadFunc) error {
	if name == "" {
		return WithStack(&RegistrationError{Name: name, Reason: "empty module name"})
	}
	if save == nil || load == nil {
		return WithStack(&RegistrationError{Name: name, Reason: "module needs both save and load"})
	}
	if s.module(name) != nil {
		return WithStack(&RegistrationError{Name: name, Reason: "module already registered"})
	}
	s.modules = append(s.modules, &moduleSave{name: name, save: save, load: load})
	return nil
}

func (s *Serializer) module(name string) *moduleSave {
	for _, m := range s.modules {
		if m.name == name {
			return m
		}
	}
	return nil
}

// Modules lists the registered module names in save order.
func (s *Serializer) Modules() []string {
	names := make([]string, 0, len(s.modules))
	for _, m := range s.modules {
		names = append(names, m.name)
	}
	return names
}

// SaveState pickles {module = payload} for every registered module, followed by
// payloads kept from the last load for modules that are not registered.
func (s *Serializer) SaveState() ([]byte, error) {
	root := s.L.NewTable()
	for _, m := range s.modules {
		payload, err := m.save()
		if err != nil {
			return nil, errors.Wrapf(err, "save module %s", m.name)
		}
		if payload == nil {
			payload = lua.LNil
		}
		root.RawSetString(m.name, payload)
	}
	for _, r := range s.retained {
		if s.module(r.name) == nil {
			root.RawSetString(r.name, r.payload)
		}
	}
	return s.Pickle(root)
}

// LoadState decodes data completely before handing payloads to the module load
// functions, so a corrupt stream leaves the runtime untouched.
func (s *Serializer) LoadState(data []byte) error {
	v, err := s.Unpickle(data)
	if err != nil {
		return err
	}
	root, ok := v.(*lua.LTable)
	if !ok {
		return WithStack(&CorruptSaveError{Offset: 0, Reason: "save root is not a table"})
	}
	var retained []retainedModule
	for k, payload := root.Next(lua.LNil); k != lua.LNil; k, payload = root.Next(k) {
		name, ok := k.(lua.LString)
		if !ok {
			return WithStack(&CorruptSaveError{Offset: 0, Reason: "module name is not a string"})
		}
		if s.module(string(name)) == nil {
			retained = append(retained, retainedModule{name: string(name), payload: payload})
		}
	}
	for _, m := range s.modules {
		payload := root.RawGetString(m.name)
		if payload == lua.LNil {
			payload = s.L.NewTable()
		}
		if err := m.load(payload); err != nil {
			return errors.Wrapf(err, "load module %s", m.name)
		}
	}
	s.retained = retained
	for _, r := range retained {
		s.log.Info("keeping save data of unregistered module", zap.String("module", r.name))
	}
	return nil
}

// SaveFile is the on-disk envelope around a pickle stream.
type SaveFile struct {
	Format  string    `json:"format"`
	Version int       `json:"version"`
	Created time.Time `json:"created"`
	Modules []string  `json:"modules"`
	Pickle  []byte    `json:"pickle"`
}

// WriteSave saves the state and writes it to w as a SaveFile.
func (s *Serializer) WriteSave(w io.Writer) error {
	data, err := s.SaveState()
	if err != nil {
		return err
	}
	modules := s.Modules()
	for _, r := range s.retained {
		if s.module(r.name) == nil {
			modules = append(modules, r.name)
		}
	}
	sf := SaveFile{
		Format:  saveFormat,
		Version: saveVersion,
		Created: time.Now().UTC(),
		Modules: modules,
		Pickle:  data,
	}
	return WithStack(json.NewEncoder(w).Encode(&sf))
}

// ReadSaveFile decodes and checks an envelope without loading it.
func ReadSaveFile(r io.Reader) (*SaveFile, error) {
	sf := &SaveFile{}
	if err := json.NewDecoder(r).Decode(sf); err != nil {
		return nil, WithStack(&CorruptSaveError{Reason: "bad save envelope: " + err.Error()})
	}
	if sf.Format != saveFormat {
		return nil, WithStack(&CorruptSaveError{Reason: "unknown save format " + sf.Format})
	}
	if sf.Version > saveVersion {
		return nil, WithStack(&CorruptSaveError{Reason: "save is from a newer version"})
	}
	return sf, nil
}

// ReadSave reads a SaveFile from r and loads it.
func (s *Serializer) ReadSave(r io.Reader) error {
	sf, err := ReadSaveFile(r)
	if err != nil {
		return err
	}
	return s.LoadState(sf.Pickle)
}

// luaCall runs fn with the trust of the chunk that defined it and returns its
// first result. Go functions run with registered, the trust of the script that
// handed them over.
func (s *Serializer) luaCall(fn *lua.LFunction, registered Trust, args ...lua.LValue) (lua.LValue, error) {
	defer enter(s.L, s.chunks.of(fn, registered))()
	rets, err := callValue(s.L, fn, args...)
	if err != nil {
		return nil, err
	}
	if len(rets) == 0 {
		return lua.LNil, nil
	}
	return rets[0], nil
}

// installLuaAPI publishes the global Serializer table. Both the method form
// Serializer:Register(...) and Serializer.Register(...) are accepted.
func (s *Serializer) installLuaAPI(L *lua.LState) {
	mod := L.NewTable()
	args := func(L *lua.LState) int {
		if L.Get(1) == mod {
			return 1
		}
		return 0
	}
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"Register": func(L *lua.LState) int {
			off := args(L)
			name := L.CheckString(1 + off)
			save := L.CheckFunction(2 + off)
			load := L.CheckFunction(3 + off)
			trust := s.chunks.caller(L)
			err := s.RegisterModuleSave(name,
				func() (lua.LValue, error) {
					return s.luaCall(save, trust)
				},
				func(payload lua.LValue) error {
					_, err := s.luaCall(load, trust, payload)
					return err
				})
			if err != nil {
				return raise(L, err)
			}
			return 0
		},
		"RegisterClass": func(L *lua.LState) int {
			off := args(L)
			name := L.CheckString(1 + off)
			klass := L.CheckTable(2 + off)
			trust := s.chunks.caller(L)
			hook := func(field string) (*lua.LFunction, error) {
				fn, ok := klass.RawGetString(field).(*lua.LFunction)
				if !ok {
					return nil, errors.Errorf("class %s has no %s function", name, field)
				}
				return fn, nil
			}
			for _, field := range []string{"Serialize", "Unserialize"} {
				if _, err := hook(field); err != nil {
					return raise(L, &RegistrationError{Name: name, Reason: err.Error()})
				}
			}
			err := s.RegisterClassSerializer(name, CompositeSerializer{
				Serialize: func(v lua.LValue) (lua.LValue, error) {
					fn, err := hook("Serialize")
					if err != nil {
						return nil, err
					}
					return s.luaCall(fn, trust, v)
				},
				Unserialize: func(v lua.LValue) (lua.LValue, error) {
					fn, err := hook("Unserialize")
					if err != nil {
						return nil, err
					}
					return s.luaCall(fn, trust, v)
				},
			})
			if err != nil {
				return raise(L, err)
			}
			return 0
		},
	})
	L.SetGlobal("Serializer", mod)
}
