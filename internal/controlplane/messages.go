// Package controlplane implements the minimal control-plane state machine
// spec §4.4 describes: a Master owning the authoritative host list and
// training script, one Agent per host, and one Worker per GPU, wired
// together by the rendezvous-port protocol of spec §4.4 and §5.
//
// Per spec §9's design note ("duck-typed RPC payloads... define explicit
// tagged messages"), every value that crosses the Master/Agent/Worker
// boundary is one of the types in this file.
package controlplane

import "fmt"

// HostEntry is one line of the host file (spec §6): an IP, a slot count
// (GPUs on that host), and the port field recorded in the host file (not
// to be confused with the rendezvous port, which is discovered at runtime).
type HostEntry struct {
	IP    string
	Slots int
	Port  int
}

// Devices returns the local GPU indices on this host, 0..Slots-1.
func (h HostEntry) Devices() []int {
	d := make([]int, h.Slots)
	for i := range d {
		d[i] = i
	}
	return d
}

// DistInfo is the Master's `GetDistInfo` response and the payload of every
// reconfiguration notification: the ordered host list that defines rank
// assignment (spec §4.4, §4.2).
type DistInfo struct {
	Hosts []HostEntry
}

// TotalSlots returns the sum of every host's Slots, i.e. the current world
// size.
func (d DistInfo) TotalSlots() int {
	total := 0
	for _, h := range d.Hosts {
		total += h.Slots
	}
	return total
}

// CodeInfo is the Master's `GetCode` response: the training script to run
// and its arguments (spec §4.4).
type CodeInfo struct {
	Path string
	Args []string
}

// PortInfo carries the rendezvous port in both directions of the protocol
// (spec §4.4 `SetMasterRankPort`/`GetMasterRankPort`).
type PortInfo struct {
	Port int
}

// ReconfigureEvent is what the Master pushes on its reconfiguration stream
// and what an Agent forwards to its local workers (spec §4.4
// `WatchReconfigurationNotification`, §9 "tagged sum type").
type ReconfigureEvent struct {
	DistInfo DistInfo
}

func (h HostEntry) String() string {
	return fmt.Sprintf("%s slots=%d port=%d", h.IP, h.Slots, h.Port)
}
