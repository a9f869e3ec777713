// Command tbprof replays a recorded ARM64 execution trace through the block
// translator and profiles it at block granularity.
//
// Usage:
//
//	tbprof collect <program.elf> <exec.trace> [key=value ...]
//	tbprof bbv <program.elf> <exec.trace> bb-out-file=run.bb pc-out-file=run.pc
package main

func main() {
	Execute()
}
