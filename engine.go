package bridge

// Engine is a script host. The bridge itself runs on a LuaEngine; JavaScript and
// Go engines host foreign event subscribers through an EnginePool.
type Engine interface {
	New() error

	IsReady() bool
	SetReady()

	ParseString(source string) error
	ParseFile(path string) error

	RegisterObject(objectName string, objectPtr interface{})
	RegisterFunction(goFuncName string, goFuncPtr interface{}) error
	RegisterModule(moduleName string, moduleFuncPtr map[string]interface{}) error

	IsFunction(scriptFuncName string) bool
	Call(scriptFuncName string, retNum int, args ...interface{}) ([]interface{}, error)

	Close()
}
