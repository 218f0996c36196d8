// Package types provides shared data structures for the script runtime.
//
// Core Types:
//   - Script: An installed userscript with its parsed metadata and body
//   - ScriptType: normal, background or crontab
//   - Environment: Page environment facts exposed through GM_info
//   - ValueChange, ValueUpdate: Value store change records
//
// Example Usage:
//
//	script := &types.Script{
//	    ID:     id.NewScriptID(),
//	    Name:   "demo",
//	    Grants: []string{"GM_getValue"},
//	    Code:   `return GM_getValue("k")`,
//	}
package types
