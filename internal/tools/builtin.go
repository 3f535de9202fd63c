package tools

// Builtins returns the standard tool set. exe runs commands for the
// execute tool; nil selects HostExecutor.
func Builtins(exe Executor) []Tool {
	if exe == nil {
		exe = HostExecutor{}
	}
	return []Tool{
		ReadFileTool{},
		WriteFileTool{},
		EditFileTool{},
		UpdateFileTool{},
		ListDirectoryTool{},
		FindTool{},
		ExecuteTool{Executor: exe},
	}
}

// RegisterBuiltins registers Builtins(exe) with reg.
func RegisterBuiltins(reg *Registry, exe Executor) error {
	for _, t := range Builtins(exe) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
