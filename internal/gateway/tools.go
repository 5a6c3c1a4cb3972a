package gateway

import (
	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/cron"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/internal/rails"
	"github.com/pocketpaw/pocketpaw/internal/shell"
	"github.com/pocketpaw/pocketpaw/internal/tools/fs"
	"github.com/pocketpaw/pocketpaw/internal/tools/memorytool"
	"github.com/pocketpaw/pocketpaw/internal/tools/remindertool"
	"github.com/pocketpaw/pocketpaw/internal/tools/shellexec"
)

// buildToolRegistry registers every built-in tool the agent loop can call.
// Grounded on the teacher's ToolManager.Register pattern: one constructor
// call per tool, each wrapped in a narrow adapter over a shared subsystem
// (a jail, a process registry, the memory manager, the cron scheduler)
// rather than the tool owning its own state.
func buildToolRegistry(cfg *config.Config, mem *memory.Manager, scheduler *cron.Scheduler, procs *shell.ProcessRegistry) (*agent.ToolRegistry, error) {
	registry := agent.NewToolRegistry()

	jail, err := rails.NewJail(cfg.Workspace.Path)
	if err != nil {
		return nil, err
	}

	registry.Register(fs.NewReadTool(jail, cfg.Workspace.MaxChars))
	registry.Register(fs.NewWriteTool(jail))
	registry.Register(fs.NewListTool(jail))

	registry.Register(shellexec.NewTool(jail, procs, 0))

	registry.Register(memorytool.NewSearchTool(mem))
	registry.Register(memorytool.NewSaveTool(mem))

	registry.Register(remindertool.NewTool(scheduler))

	return registry, nil
}
