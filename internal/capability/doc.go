// Package capability holds the capability registry and the grant resolver.
//
// A Registry is built once at startup and passed to whoever builds script
// contexts. Resolve turns a script's grant list into Bindings: every granted
// entry plus its transitive dependencies, bound to one receiver. Dotted names
// such as "GM.getValue" are installed into nested objects, so the promise family
// and the underscore family coexist.
//
//	reg := capability.NewRegistry[*gm.Context]()
//	reg.Register("GM_getValue", getValue, capability.Options{})
//	reg.Register("GM_getValues", getValues, capability.Options{Dependencies: []string{"GM_getValue"}})
//	bindings := reg.Resolve(vm, script.Grants, ctx, capability.Hooks{})
package capability
