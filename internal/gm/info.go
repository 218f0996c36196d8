package gm

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/gmsandbox/internal/host"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
)

const (
	// HandlerName is reported as GM_info.scriptHandler
	HandlerName = "gmsandbox"
	// HandlerVersion is reported as GM_info.version
	HandlerVersion = "1.0.0"
)

type scriptInfo struct {
	UUID        string               `json:"uuid"`
	Name        string               `json:"name"`
	Namespace   string               `json:"namespace"`
	Version     string               `json:"version"`
	Description string               `json:"description"`
	Author      string               `json:"author"`
	Grant       []string             `json:"grant"`
	Connects    []string             `json:"connects"`
	Matches     []string             `json:"matches"`
	Requires    []string             `json:"requires"`
	Resources   []types.ResourceDecl `json:"resources"`
	RunAt       string               `json:"run-at"`
	NoFrames    bool                 `json:"noframes"`
}

// Info is the GM_info bag. Its properties are read-only to scripts; the
// environment fields can be corrected once, in place.
type Info struct {
	obj  *goja.Object
	page *host.Page
	env  types.Environment
}

// NewInfo builds the bag for script. Early-start scripts pass the placeholder
// environment.
func NewInfo(page *host.Page, script *types.Script, env types.Environment) (*Info, error) {
	info := &Info{obj: page.VM().NewObject(), page: page, env: env}

	meta := scriptInfo{
		UUID:        string(script.ID),
		Name:        script.Name,
		Namespace:   script.Namespace,
		Version:     script.Version,
		Description: script.Description,
		Author:      script.Author,
		Grant:       nonNil(script.Grants),
		Connects:    nonNil(script.Connects),
		Matches:     nonNil(script.Matches),
		Requires:    nonNil(script.Requires),
		Resources:   script.Resources,
		RunAt:       script.RunAt,
		NoFrames:    script.NoFrames,
	}
	if meta.Resources == nil {
		meta.Resources = []types.ResourceDecl{}
	}
	scriptVal, err := info.parse(meta)
	if err != nil {
		return nil, err
	}

	vm := page.VM()
	info.define("script", scriptVal)
	info.define("scriptMetaStr", vm.ToValue(script.MetaStr))
	info.define("scriptHandler", vm.ToValue(HandlerName))
	info.define("version", vm.ToValue(HandlerVersion))
	info.define("scriptWillUpdate", vm.ToValue(false))
	if err := info.defineEnv(env); err != nil {
		return nil, err
	}
	return info, nil
}

// Object returns the JS object scripts see
func (i *Info) Object() *goja.Object { return i.obj }

// Environment returns the environment currently exposed
func (i *Info) Environment() types.Environment { return i.env }

// Correct swaps a placeholder environment for the real one. It reports false
// when the bag already holds a real environment.
func (i *Info) Correct(env types.Environment) bool {
	if !i.env.Placeholder {
		return false
	}
	env.Placeholder = false
	if err := i.defineEnv(env); err != nil {
		return false
	}
	i.env = env
	return true
}

func (i *Info) defineEnv(env types.Environment) error {
	agent, err := i.parse(env.UserAgentData)
	if err != nil {
		return err
	}
	vm := i.page.VM()
	i.define("isIncognito", vm.ToValue(env.IsIncognito))
	i.define("sandboxMode", vm.ToValue(env.SandboxMode))
	i.define("userAgentData", agent)
	return nil
}

func (i *Info) define(name string, v goja.Value) {
	i.obj.DefineDataProperty(name, v, goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func (i *Info) parse(v any) (goja.Value, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode info: %w", err)
	}
	return i.page.ParseJSON(data)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
