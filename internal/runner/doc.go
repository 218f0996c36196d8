// Package runner is the execution controller for one script on one page.
//
// A Runner moves through Unloaded, ContextBuilt, Running and one of Completed,
// Failed or Stopped. Build creates the capability context and compiles the
// body once; every Exec then runs it in a fresh sandbox. Scripts granted "none"
// skip the context entirely and run bound to the page global with only GM_info.
//
// Background and crontab scripts get their own timers and a RetryError
// constructor. Throwing or rejecting with a RetryError reschedules the run.
package runner
