/*
Package manager wires the engine together: the store, the job state
machine, the dispatcher, the package interpreters and the remote adapters
compose into one Engine that the REST API and the CLI talk to.

# Architecture

A tern node runs one Engine regardless of role:

	┌─────────────────────── TERN NODE ──────────────────────────┐
	│                                                             │
	│  ┌─────────────────────────────────────────────┐           │
	│  │          REST API (OGC API — Processes)     │           │
	│  └──────────────────┬──────────────────────────┘           │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐           │
	│  │              Engine                          │           │
	│  │  - Deploy: parse AP, reconcile I/O, persist  │           │
	│  │  - Execute: validate, create job, dispatch   │           │
	│  │  - Route: local / wps1 / esgf-cwt / rest     │           │
	│  └──────┬───────────────────────┬──────────────┘           │
	│         │                       │                           │
	│  ┌──────▼────────┐      ┌───────▼───────────┐              │
	│  │  Dispatcher   │      │  Job state machine │              │
	│  │  FIFO queue   │      │  accepted→…→final  │              │
	│  │  worker pool  │      └───────┬───────────┘              │
	│  └──────┬────────┘              │                           │
	│         │              ┌────────▼──────────┐                │
	│  ┌──────▼────────┐     │   BoltDB Store    │                │
	│  │ Interpreters  │     │  processes, jobs, │                │
	│  │ tool/workflow │     │  providers, logs  │                │
	│  └───────────────┘     └───────────────────┘                │
	└─────────────────────────────────────────────────────────────┘

# Roles

ADES runs every step on the local containerd runtime. EMS never executes
locally: steps are dispatched to downstream executors picked by the
data-source rules. Hybrid prefers a mapped executor and falls back to the
local runtime. Remote-protocol requirements (WPS 1.0, ESGF-CWT) always win
over role-based routing.

# Job pipeline

A worker owns one job end to end: journal creation, started and running
transitions, package execution under the wall-clock limit, result
materialization honoring per-output transmission, the terminal transition,
exactly one notification, and staging cleanup.
*/
package manager
